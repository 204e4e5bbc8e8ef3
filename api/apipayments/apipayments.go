// Package apipayments provides HTTP handlers for the balance, invoices,
// offers and payments of the authenticated user
package apipayments

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gitlab.com/arcanecrypto/lnbank/api/apierr"
	"gitlab.com/arcanecrypto/lnbank/api/auth"
	"gitlab.com/arcanecrypto/lnbank/api/httptypes"
	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/events"
	"gitlab.com/arcanecrypto/lnbank/tracker"
)

var log = build.AddSubLogger("APIP")

// services that gets initiated in RegisterRoutes
var (
	trckr *tracker.Tracker
	bus   *events.Bus
)

// how often the event stream sends a comment to keep the connection open
const keepAliveInterval = 30 * time.Second

// RegisterRoutes applies the authMiddleware to this packages routes
// and registers routes on the gin Engine parameter
func RegisterRoutes(server *gin.Engine, t *tracker.Tracker, b *events.Bus, authmiddleware gin.HandlerFunc) {
	trckr = t
	bus = b

	// fees are public, so clients can show them before registering
	server.GET("/fees", getFees())

	payments := server.Group("")
	payments.Use(authmiddleware)

	payments.GET("/balance", getBalance())

	payments.POST("/invoices", createInvoice())
	payments.GET("/invoices", listInvoices())
	payments.GET("/invoices/:id", getInvoice())

	payments.POST("/offers", createOffer())
	payments.GET("/offers", listOffers())

	payments.POST("/sends", createSend())
	payments.GET("/sends", listSends())
	payments.GET("/sends/:id", getSend())

	payments.GET("/receives", listReceives())
	payments.GET("/payments", listPayments())

	payments.GET("/events", streamEvents())
}

// BalanceResponse is the balance of the user
type BalanceResponse struct {
	BalanceMsat int64 `json:"balanceMsat"`
	BalanceSats int64 `json:"balanceSats"`
}

func getFees() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, trckr.Fees())
	}
}

func getBalance() gin.HandlerFunc {
	return func(c *gin.Context) {
		userPK, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}

		balance, err := trckr.Balance(c.Request.Context(), userPK)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, BalanceResponse{
			BalanceMsat: balance.MilliSats(),
			BalanceSats: balance.Sats(),
		})
	}
}

// createInvoice creates a single use invoice. Without an amount the payer
// decides how much to pay.
func createInvoice() gin.HandlerFunc {
	type request struct {
		AmountMsat  *int64 `json:"amountMsat" binding:"omitempty,gt=0"`
		Description string `json:"description" binding:"max=639"`
		ExpirySecs  int64  `json:"expirySecs" binding:"gte=0"`
	}

	return func(c *gin.Context) {
		userPK, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}

		var req request
		if c.BindJSON(&req) != nil {
			return
		}

		invoice, err := trckr.CreateInvoice(c.Request.Context(), userPK, tracker.InvoiceRequest{
			AmountMsat:  req.AmountMsat,
			Description: req.Description,
			Expiry:      time.Duration(req.ExpirySecs) * time.Second,
		})
		if err != nil {
			log.WithError(err).WithField("userPk", userPK).Debug("Could not create invoice")
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusCreated, invoice)
	}
}

func listInvoices() gin.HandlerFunc {
	return func(c *gin.Context) {
		userPK, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}
		var page httptypes.Pagination
		if c.BindQuery(&page) != nil {
			return
		}

		list, err := trckr.ListInvoices(c.Request.Context(), userPK, page.Limit, page.Offset)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

type idParam struct {
	ID string `uri:"id" binding:"required"`
}

func getInvoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		userPK, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}
		var param idParam
		if c.BindUri(&param) != nil {
			return
		}

		invoice, err := trckr.GetInvoice(c.Request.Context(), userPK, param.ID)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, invoice)
	}
}

// createOffer creates a reusable offer
func createOffer() gin.HandlerFunc {
	type request struct {
		AmountMsat  *int64 `json:"amountMsat" binding:"omitempty,gt=0"`
		Description string `json:"description" binding:"max=639"`
		// 0 means the offer never expires
		ExpirySecs int64 `json:"expirySecs" binding:"gte=0"`
	}

	return func(c *gin.Context) {
		userPK, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}

		var req request
		if c.BindJSON(&req) != nil {
			return
		}

		offer, err := trckr.CreateOffer(c.Request.Context(), userPK, tracker.OfferRequest{
			AmountMsat:  req.AmountMsat,
			Description: req.Description,
			Expiry:      time.Duration(req.ExpirySecs) * time.Second,
		})
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusCreated, offer)
	}
}

func listOffers() gin.HandlerFunc {
	return func(c *gin.Context) {
		userPK, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}
		var page httptypes.Pagination
		if c.BindQuery(&page) != nil {
			return
		}

		list, err := trckr.ListOffers(c.Request.Context(), userPK, page.Limit, page.Offset)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// createSend pays a BOLT11 invoice, BOLT12 offer, LNURL or Lightning
// address. The response is sent once the payment is dispatched, so the
// send is usually still pending. Its outcome is delivered on the event
// stream.
func createSend() gin.HandlerFunc {
	type request struct {
		PaymentRequest string `json:"paymentRequest" binding:"required,paymentrequest"`
		AmountMsat     *int64 `json:"amountMsat" binding:"omitempty,gt=0"`
		MaxFeeMsat     *int64 `json:"maxFeeMsat" binding:"omitempty,gte=0"`
	}

	return func(c *gin.Context) {
		userPK, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}

		var req request
		if c.BindJSON(&req) != nil {
			return
		}

		send, err := trckr.CreateSend(c.Request.Context(), userPK, tracker.SendRequest{
			PaymentRequest: req.PaymentRequest,
			AmountMsat:     req.AmountMsat,
			MaxFeeMsat:     req.MaxFeeMsat,
		})
		if err != nil {
			log.WithError(err).WithField("userPk", userPK).Info("Could not create send")
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusCreated, send)
	}
}

func listSends() gin.HandlerFunc {
	return func(c *gin.Context) {
		userPK, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}
		var page httptypes.Pagination
		if c.BindQuery(&page) != nil {
			return
		}

		list, err := trckr.ListSends(c.Request.Context(), userPK, page.Limit, page.Offset)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

func getSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		userPK, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}
		var param idParam
		if c.BindUri(&param) != nil {
			return
		}

		send, err := trckr.GetSend(c.Request.Context(), userPK, param.ID)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, send)
	}
}

func listReceives() gin.HandlerFunc {
	return func(c *gin.Context) {
		userPK, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}
		var page httptypes.Pagination
		if c.BindQuery(&page) != nil {
			return
		}

		list, err := trckr.ListReceives(c.Request.Context(), userPK, page.Limit, page.Offset)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// listPayments lists receives and sends together, newest first
func listPayments() gin.HandlerFunc {
	return func(c *gin.Context) {
		userPK, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}
		var page httptypes.Pagination
		if c.BindQuery(&page) != nil {
			return
		}

		list, err := trckr.ListPayments(c.Request.Context(), userPK, page.Limit, page.Offset)
		if err != nil {
			apierr.Handle(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// streamEvents sends the events of the user as Server-Sent Events until
// the client goes away. The event name is the kind of the event.
func streamEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		userPK, ok := auth.RequireIdentity(c)
		if !ok {
			return
		}
		// only registered users get events
		if _, err := trckr.Balance(c.Request.Context(), userPK); err != nil {
			apierr.Handle(c, err)
			return
		}

		sub := bus.Subscribe(userPK)
		defer sub.Close()
		log.WithField("userPk", userPK).Debug("Opened event stream")

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.Stream(func(w io.Writer) bool {
			select {
			case <-c.Request.Context().Done():
				return false
			case event, open := <-sub.C:
				if !open {
					return false
				}
				c.SSEvent(string(event.Kind), event.Data)
				return true
			case <-keepAlive.C:
				c.SSEvent("ping", "")
				return true
			}
		})
		log.WithField("userPk", userPK).Debug("Closed event stream")
	}
}
