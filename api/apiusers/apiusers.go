// Package apiusers provides HTTP handlers for registering, inspecting and
// recovering users in our API
package apiusers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/api/apierr"
	"gitlab.com/arcanecrypto/lnbank/api/auth"
	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/registry"
	"gitlab.com/arcanecrypto/lnbank/tracker"
)

var log = build.AddSubLogger("APIU")

// services that gets initiated in RegisterRoutes
var (
	reg   *registry.Registry
	trckr *tracker.Tracker
)

// RegisterRoutes registers the user routes on the given engine. All of
// them need an authenticated identity, registered or not.
func RegisterRoutes(server *gin.Engine, r *registry.Registry, t *tracker.Tracker, authmiddleware gin.HandlerFunc) {
	reg = r
	trckr = t

	users := server.Group("")
	users.Use(authmiddleware)
	users.POST("/users", register())
	users.GET("/users/me", getUser())
	users.PUT("/users/me/recovery_name", setRecoveryName())
	users.POST("/users/recover", recoverAccount())
}

// Response is the type returned by the API for user related request
type Response struct {
	PublicKey    string  `json:"publicKey"`
	RecoveryName *string `json:"recoveryName"`
	BalanceMsat  int64   `json:"balanceMsat"`
}

func respondWithUser(c *gin.Context, status int, publicKey string) {
	user, err := reg.Get(c.Request.Context(), publicKey)
	if err != nil {
		apierr.Handle(c, err)
		return
	}
	balance, err := trckr.Balance(c.Request.Context(), publicKey)
	if err != nil {
		apierr.Handle(c, err)
		return
	}
	c.JSON(status, Response{
		PublicKey:    user.PublicKey,
		RecoveryName: user.RecoveryName,
		BalanceMsat:  balance.MilliSats(),
	})
}

// register creates a user for the authenticated identity. Registering
// again with any invite returns the existing user.
func register() gin.HandlerFunc {
	type request struct {
		InviteID string `json:"inviteId" binding:"required"`
	}

	return func(c *gin.Context) {
		identity, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}

		var req request
		if c.BindJSON(&req) != nil {
			return
		}

		user, err := reg.Register(c.Request.Context(), req.InviteID, identity)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"identity": identity,
				"inviteId": req.InviteID,
			}).Info("Could not register")
			apierr.Handle(c, err)
			return
		}

		respondWithUser(c, http.StatusCreated, user.PublicKey)
	}
}

func getUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}
		respondWithUser(c, http.StatusOK, identity)
	}
}

// setRecoveryName sets the name an operator can identify the user by if
// it loses its key. null clears it.
func setRecoveryName() gin.HandlerFunc {
	type request struct {
		RecoveryName *string `json:"recoveryName" binding:"omitempty,recoveryname"`
	}

	return func(c *gin.Context) {
		identity, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}

		var req request
		if c.BindJSON(&req) != nil {
			return
		}

		if _, err := reg.SetRecoveryName(c.Request.Context(), identity, req.RecoveryName); err != nil {
			apierr.Handle(c, err)
			return
		}
		respondWithUser(c, http.StatusOK, identity)
	}
}

// recoverAccount moves the account an operator issued the recovery for to
// the authenticated identity, which must not be registered
func recoverAccount() gin.HandlerFunc {
	type request struct {
		RecoveryID string `json:"recoveryId" binding:"required"`
	}

	return func(c *gin.Context) {
		identity, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}

		var req request
		if c.BindJSON(&req) != nil {
			return
		}

		user, err := reg.RedeemRecovery(c.Request.Context(), req.RecoveryID, identity)
		if err != nil {
			log.WithError(err).WithField("identity", identity).Info("Could not recover account")
			apierr.Handle(c, err)
			return
		}
		respondWithUser(c, http.StatusOK, user.PublicKey)
	}
}
