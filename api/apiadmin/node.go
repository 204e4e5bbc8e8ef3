package apiadmin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gitlab.com/arcanecrypto/lnbank/api/apierr"
	"gitlab.com/arcanecrypto/lnbank/ln"
)

// The node routes pass straight through to the node. The funds they move
// belong to the operator and never show up in the ledger.

type txResponse struct {
	Txid string `json:"txid"`
}

func nodeInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := operator.Info(c.Request.Context())
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func nodeBalances() gin.HandlerFunc {
	return func(c *gin.Context) {
		balances, err := operator.Balance(c.Request.Context())
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, balances)
	}
}

func listPeers() gin.HandlerFunc {
	return func(c *gin.Context) {
		peers, err := operator.ListPeers(c.Request.Context())
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, peers)
	}
}

func connectPeer() gin.HandlerFunc {
	type request struct {
		PublicKey string `json:"publicKey" binding:"required,hexadecimal,len=66"`
		Host      string `json:"host" binding:"required"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindJSON(&req) != nil {
			return
		}
		if err := operator.ConnectPeer(c.Request.Context(), req.PublicKey, req.Host); err != nil {
			apierr.Handle(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func disconnectPeer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := operator.DisconnectPeer(c.Request.Context(), c.Param("pubkey")); err != nil {
			apierr.Handle(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func listChannels() gin.HandlerFunc {
	return func(c *gin.Context) {
		channels, err := operator.ListChannels(c.Request.Context())
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, channels)
	}
}

func openChannel() gin.HandlerFunc {
	type response struct {
		ChannelPoint string `json:"channelPoint"`
	}

	return func(c *gin.Context) {
		var req ln.OpenChannelRequest
		if c.BindJSON(&req) != nil {
			return
		}
		point, err := operator.OpenChannel(c.Request.Context(), req)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusCreated, response{ChannelPoint: point})
	}
}

func closeChannel() gin.HandlerFunc {
	type request struct {
		ChannelPoint string `json:"channelPoint" binding:"required"`
		Force        bool   `json:"force"`
	}

	return func(c *gin.Context) {
		var req request
		if c.BindJSON(&req) != nil {
			return
		}
		txid, err := operator.CloseChannel(c.Request.Context(), req.ChannelPoint, req.Force)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, txResponse{Txid: txid})
	}
}

func newAddress() gin.HandlerFunc {
	type response struct {
		Address string `json:"address"`
	}

	return func(c *gin.Context) {
		address, err := operator.NewAddress(c.Request.Context())
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, response{Address: address})
	}
}

func sendOnchain() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ln.SendOnchainRequest
		if c.BindJSON(&req) != nil {
			return
		}
		txid, err := operator.SendOnchain(c.Request.Context(), req)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, txResponse{Txid: txid})
	}
}
