// Package apiadmin provides the operator HTTP API. It is not authenticated,
// so it should only be reachable from the host the daemon runs on.
package apiadmin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/api/apierr"
	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/ledger"
	"gitlab.com/arcanecrypto/lnbank/ln"
	"gitlab.com/arcanecrypto/lnbank/metrics"
	"gitlab.com/arcanecrypto/lnbank/registry"
	"gitlab.com/arcanecrypto/lnbank/tracker"
)

var log = build.AddSubLogger("ADMN")

const day = 24 * time.Hour

// Deps are what the admin routes operate on
type Deps struct {
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Tracker  *tracker.Tracker
	Operator ln.Operator
	Metrics  *metrics.Metrics
}

// services that gets initiated in RegisterRoutes
var (
	reg      *registry.Registry
	ldgr     *ledger.Ledger
	trckr    *tracker.Tracker
	operator ln.Operator
)

// RegisterRoutes registers all admin routes on the given engine
func RegisterRoutes(server *gin.Engine, deps Deps) {
	reg = deps.Registry
	ldgr = deps.Ledger
	trckr = deps.Tracker
	operator = deps.Operator

	server.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	server.POST("/invites", createInvite())
	server.GET("/invites", listInvites())
	server.GET("/users", listUsers())
	server.POST("/recoveries", createRecovery())
	server.POST("/sends/:id/fail", failSend())
	server.POST("/sweep", sweep())

	node := server.Group("/node")
	node.GET("/info", nodeInfo())
	node.GET("/balances", nodeBalances())
	node.GET("/peers", listPeers())
	node.POST("/peers", connectPeer())
	node.DELETE("/peers/:pubkey", disconnectPeer())
	node.GET("/channels", listChannels())
	node.POST("/channels", openChannel())
	node.POST("/channels/close", closeChannel())
	node.POST("/onchain/address", newAddress())
	node.POST("/onchain/send", sendOnchain())
}

func createInvite() gin.HandlerFunc {
	type request struct {
		UserLimit  int64 `json:"userLimit" binding:"required,gt=0"`
		ExpiryDays int64 `json:"expiryDays" binding:"required,gt=0"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindJSON(&req) != nil {
			return
		}
		invite, err := reg.CreateInvite(c.Request.Context(), req.UserLimit, time.Duration(req.ExpiryDays)*day)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusCreated, invite)
	}
}

func listInvites() gin.HandlerFunc {
	return func(c *gin.Context) {
		invites, err := reg.ListInvites(c.Request.Context())
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, invites)
	}
}

func listUsers() gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := reg.ListUsers(c.Request.Context())
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, users)
	}
}

func createRecovery() gin.HandlerFunc {
	type request struct {
		PublicKey  string `json:"publicKey" binding:"required"`
		ExpiryDays int64  `json:"expiryDays" binding:"required,gt=0"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindJSON(&req) != nil {
			return
		}
		recovery, err := reg.CreateRecovery(c.Request.Context(), req.PublicKey, time.Duration(req.ExpiryDays)*day)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusCreated, recovery)
	}
}

// failSend fails a pending send the node never reported an outcome for.
// The reserved amount goes back to the user.
func failSend() gin.HandlerFunc {
	type request struct {
		Reason string `json:"reason"`
	}

	return func(c *gin.Context) {
		var req request
		if c.Request.ContentLength > 0 && c.BindJSON(&req) != nil {
			return
		}
		if req.Reason == "" {
			req.Reason = "failed by operator"
		}

		id := c.Param("id")
		send, err := ldgr.FailSend(c.Request.Context(), id, req.Reason)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		log.WithFields(logrus.Fields{
			"sendId": id,
			"reason": req.Reason,
		}).Warn("Operator failed send")
		c.JSON(http.StatusOK, ledger.PaymentFromSend(send))
	}
}

func sweep() gin.HandlerFunc {
	type response struct {
		Expired int64 `json:"expired"`
	}

	return func(c *gin.Context) {
		count, err := trckr.ExpireStaleInvoices(c.Request.Context())
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, response{Expired: count})
	}
}
