package api_test

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/lnbank/api"
	"gitlab.com/arcanecrypto/lnbank/api/apiadmin"
	"gitlab.com/arcanecrypto/lnbank/api/apierr"
	"gitlab.com/arcanecrypto/lnbank/api/apipayments"
	"gitlab.com/arcanecrypto/lnbank/api/apiusers"
	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/db"
	"gitlab.com/arcanecrypto/lnbank/events"
	"gitlab.com/arcanecrypto/lnbank/ledger"
	"gitlab.com/arcanecrypto/lnbank/ln"
	"gitlab.com/arcanecrypto/lnbank/metrics"
	"gitlab.com/arcanecrypto/lnbank/models/invites"
	"gitlab.com/arcanecrypto/lnbank/models/invoices"
	"gitlab.com/arcanecrypto/lnbank/models/recoveries"
	"gitlab.com/arcanecrypto/lnbank/models/sends"
	"gitlab.com/arcanecrypto/lnbank/policy"
	"gitlab.com/arcanecrypto/lnbank/reconciler"
	"gitlab.com/arcanecrypto/lnbank/registry"
	"gitlab.com/arcanecrypto/lnbank/testutil"
	"gitlab.com/arcanecrypto/lnbank/testutil/httptestutil"
	"gitlab.com/arcanecrypto/lnbank/testutil/lntestutil"
	"gitlab.com/arcanecrypto/lnbank/testutil/userstestutil"
	"gitlab.com/arcanecrypto/lnbank/tracker"
)

var (
	testDB *db.DB
	node   = lntestutil.NewMockNode()
	recon  *reconciler.Reconciler
	h      httptestutil.TestHarness
	admin  httptestutil.TestHarness

	testPolicy = policy.Policy{
		FeePPM:            10_000,
		BaseFeeMsat:       1_000,
		InvoiceExpiry:     time.Hour,
		MinAmountSats:     1,
		MaxAmountSats:     1_000_000,
		MaxPendingPerUser: 5,
	}
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)

	var err error
	testDB, err = testutil.InitDatabase(testutil.GetDatabaseConfig("api"))
	if err != nil {
		testutil.SkipPackageWithoutDB("api", err)
	}

	m2, err := metrics.New()
	if err != nil {
		panic(err)
	}
	bus := events.NewBus()
	ldgr := ledger.New(testDB, bus, m2)
	reg := registry.New(testDB, m2)
	trckr := tracker.New(tracker.Config{
		DB:              testDB,
		Node:            node,
		Ledger:          ldgr,
		Policy:          testPolicy,
		Events:          bus,
		Metrics:         m2,
		DispatchTimeout: time.Second,
	})
	recon = reconciler.New(reconciler.Config{DB: testDB, Node: node, Ledger: ldgr, Metrics: m2})

	conf := api.Config{
		LogLevel:          logrus.DebugLevel,
		Network:           node.Network(),
		RequestsPerSecond: 1000,
		Burst:             1000,
	}
	app, err := api.NewApp(conf, api.Deps{Registry: reg, Tracker: trckr, Events: bus, Metrics: m2})
	if err != nil {
		panic(err)
	}
	adminApp, err := api.NewAdminApp(conf, apiadmin.Deps{
		Registry: reg,
		Ledger:   ldgr,
		Tracker:  trckr,
		Operator: node,
		Metrics:  m2,
	})
	if err != nil {
		panic(err)
	}
	h = httptestutil.NewTestHarness(app.Router)
	admin = httptestutil.NewTestHarness(adminApp.Router)

	code := m.Run()
	_ = testDB.Close()
	os.Exit(code)
}

func createInvite(t *testing.T, userLimit int) invites.Invite {
	var invite invites.Invite
	admin.AssertResponseOkWithJson(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/invites",
		Method: http.MethodPost,
		Body:   fmt.Sprintf(`{"userLimit": %d, "expiryDays": 1}`, userLimit),
	}), &invite)
	return invite
}

func registerUser(t *testing.T) *ecdsa.PrivateKey {
	return h.RegisterUser(t, createInvite(t, 1).ID)
}

func getBalance(t *testing.T, key *ecdsa.PrivateKey) int64 {
	var balance apipayments.BalanceResponse
	h.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
		Key:    key,
		Path:   "/balance",
		Method: http.MethodGet,
	}), &balance)
	return balance.BalanceMsat
}

func createInvoice(t *testing.T, key *ecdsa.PrivateKey, amountMsat int64) invoices.Invoice {
	var invoice invoices.Invoice
	h.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
		Key:    key,
		Path:   "/invoices",
		Method: http.MethodPost,
		Body:   fmt.Sprintf(`{"amountMsat": %d, "description": %q}`, amountMsat, gofakeit.Sentence(3)),
	}), &invoice)
	return invoice
}

// fund pays a fresh invoice of the user through the reconciler
func fund(t *testing.T, key *ecdsa.PrivateKey, amountMsat int64) {
	invoice := createInvoice(t, key, amountMsat)
	require.NoError(t, recon.Apply(context.Background(), ln.Event{
		Kind:       ln.PaymentReceived,
		PaymentID:  uuid.NewString(),
		RequestID:  invoice.ID,
		AmountMsat: amountMsat,
	}))
}

func TestRestServer_Ping(t *testing.T) {
	t.Parallel()
	res := h.AssertResponseOk(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/ping",
		Method: http.MethodGet,
	}))
	assert.Equal(t, "pong", res.Body.String())

	h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/this/does/not/exist",
		Method: http.MethodGet,
	}), http.StatusNotFound, apierr.ErrRouteNotFound.Code())
}

func TestRestServer_Register(t *testing.T) {
	t.Parallel()
	invite := createInvite(t, 2)

	key := h.RegisterUser(t, invite.ID)
	var user apiusers.Response
	h.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
		Key:    key,
		Path:   "/users/me",
		Method: http.MethodGet,
	}), &user)
	assert.Equal(t, userstestutil.PublicKeyHex(key), user.PublicKey)
	assert.Nil(t, user.RecoveryName)
	assert.Zero(t, user.BalanceMsat)

	t.Run("registering again returns the same user", func(t *testing.T) {
		res := h.AssertResponseOk(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
			Key:    key,
			Path:   "/users",
			Method: http.MethodPost,
			Body:   fmt.Sprintf(`{"inviteId": %q}`, invite.ID),
		}))
		assert.Contains(t, res.Body.String(), user.PublicKey)
	})

	t.Run("invite is exhausted", func(t *testing.T) {
		_ = h.RegisterUser(t, invite.ID)
		h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
			Key:    userstestutil.GenKey(t),
			Path:   "/users",
			Method: http.MethodPost,
			Body:   fmt.Sprintf(`{"inviteId": %q}`, invite.ID),
		}), http.StatusBadRequest, apierr.ErrInviteExhausted.Code())
	})

	t.Run("unknown invite", func(t *testing.T) {
		h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
			Key:    userstestutil.GenKey(t),
			Path:   "/users",
			Method: http.MethodPost,
			Body:   fmt.Sprintf(`{"inviteId": %q}`, uuid.NewString()),
		}), http.StatusNotFound, apierr.ErrInviteNotFound.Code())
	})

	t.Run("missing invite", func(t *testing.T) {
		h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
			Key:    userstestutil.GenKey(t),
			Path:   "/users",
			Method: http.MethodPost,
			Body:   `{}`,
		}), http.StatusBadRequest, apierr.ErrRequestValidationFailed.Code())
	})

	t.Run("unregistered identities can't use the ledger", func(t *testing.T) {
		h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
			Key:    userstestutil.GenKey(t),
			Path:   "/balance",
			Method: http.MethodGet,
		}), http.StatusForbidden, apierr.ErrUserNotRegistered.Code())
	})

	t.Run("requests must be authenticated", func(t *testing.T) {
		h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
			Path:   "/balance",
			Method: http.MethodGet,
		}), http.StatusUnauthorized, apierr.ErrMissingAuthHeader.Code())
	})
}

func TestRestServer_ReceivePayment(t *testing.T) {
	t.Parallel()
	key := registerUser(t)

	invoice := createInvoice(t, key, 150_000)
	assert.Equal(t, invoices.StatusPending, invoice.Status)

	event := ln.Event{
		Kind:       ln.PaymentReceived,
		PaymentID:  uuid.NewString(),
		RequestID:  invoice.ID,
		AmountMsat: 150_000,
	}
	require.NoError(t, recon.Apply(context.Background(), event))
	// redelivery
	require.NoError(t, recon.Apply(context.Background(), event))

	assert.EqualValues(t, 150_000, getBalance(t, key))

	var settled invoices.Invoice
	h.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
		Key:    key,
		Path:   "/invoices/" + invoice.ID,
		Method: http.MethodGet,
	}), &settled)
	assert.Equal(t, invoices.StatusSettled, settled.Status)

	var payments []ledger.Payment
	h.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
		Key:    key,
		Path:   "/payments",
		Method: http.MethodGet,
	}), &payments)
	require.Len(t, payments, 1)
	assert.Equal(t, ledger.Incoming, payments[0].Direction)
	assert.EqualValues(t, 150_000, payments[0].AmountMsat)

	t.Run("other users can't see the invoice", func(t *testing.T) {
		h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
			Key:    registerUser(t),
			Path:   "/invoices/" + invoice.ID,
			Method: http.MethodGet,
		}), http.StatusNotFound, apierr.ErrInvoiceNotFound.Code())
	})
}

func TestRestServer_CreateInvoice_AmountOutOfRange(t *testing.T) {
	t.Parallel()
	key := registerUser(t)

	h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
		Key:    key,
		Path:   "/invoices",
		Method: http.MethodPost,
		Body:   fmt.Sprintf(`{"amountMsat": %d}`, testPolicy.MaxAmountMsat()+1),
	}), http.StatusBadRequest, apierr.ErrAmountOutOfRange.Code())
}

func TestRestServer_SendAndFail(t *testing.T) {
	t.Parallel()
	key := registerUser(t)
	fund(t, key, 500_000)

	_, invoice, err := node.NewInvoice(int64Ptr(100_000), gofakeit.Sentence(3), time.Hour)
	require.NoError(t, err)

	var send sends.Send
	h.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
		Key:    key,
		Path:   "/sends",
		Method: http.MethodPost,
		Body:   fmt.Sprintf(`{"paymentRequest": %q}`, invoice),
	}), &send)
	assert.Equal(t, sends.StatusPending, send.Status)
	assert.EqualValues(t, 100_000, send.AmountMsat)
	assert.Equal(t, testPolicy.FeeMsat(100_000), send.FeeMsat)
	assert.EqualValues(t, 500_000-100_000-testPolicy.FeeMsat(100_000), getBalance(t, key))

	t.Run("paying the same invoice again fails", func(t *testing.T) {
		h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
			Key:    key,
			Path:   "/sends",
			Method: http.MethodPost,
			Body:   fmt.Sprintf(`{"paymentRequest": %q}`, invoice),
		}), http.StatusConflict, apierr.ErrDuplicatePayment.Code())
	})

	var failed ledger.Payment
	admin.AssertResponseOkWithJson(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/sends/" + send.ID + "/fail",
		Method: http.MethodPost,
		Body:   `{"reason": "stuck"}`,
	}), &failed)
	assert.Equal(t, string(sends.StatusFailed), failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, "stuck", *failed.FailureReason)
	assert.EqualValues(t, 500_000, getBalance(t, key))

	t.Run("only pending sends can be failed", func(t *testing.T) {
		admin.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
			Path:   "/sends/" + send.ID + "/fail",
			Method: http.MethodPost,
		}), http.StatusNotFound, apierr.ErrSendNotFound.Code())
	})
}

func TestRestServer_CreateSend_Validation(t *testing.T) {
	t.Parallel()
	key := registerUser(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"missing request", `{}`, http.StatusBadRequest, apierr.ErrRequestValidationFailed.Code()},
		{"garbage request", `{"paymentRequest": "foobar"}`, http.StatusBadRequest, apierr.ErrRequestValidationFailed.Code()},
		{"negative amount", `{"paymentRequest": "foobar", "amountMsat": -1}`, http.StatusBadRequest, apierr.ErrRequestValidationFailed.Code()},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
				Key:    key,
				Path:   "/sends",
				Method: http.MethodPost,
				Body:   test.body,
			}), test.status, test.code)
		})
	}

	t.Run("balance too low", func(t *testing.T) {
		_, invoice, err := node.NewInvoice(int64Ptr(10_000), "", time.Hour)
		require.NoError(t, err)
		h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
			Key:    key,
			Path:   "/sends",
			Method: http.MethodPost,
			Body:   fmt.Sprintf(`{"paymentRequest": %q}`, invoice),
		}), http.StatusBadRequest, apierr.ErrBalanceTooLow.Code())
	})
}

func TestRestServer_InternalSend(t *testing.T) {
	t.Parallel()
	payer := registerUser(t)
	payee := registerUser(t)
	fund(t, payer, 300_000)

	invoice := createInvoice(t, payee, 200_000)

	var send sends.Send
	h.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
		Key:    payer,
		Path:   "/sends",
		Method: http.MethodPost,
		Body:   fmt.Sprintf(`{"paymentRequest": %q}`, invoice.PaymentRequest),
	}), &send)
	assert.True(t, send.Internal)
	assert.Equal(t, sends.StatusSucceeded, send.Status)

	assert.EqualValues(t, 300_000-200_000-testPolicy.FeeMsat(200_000), getBalance(t, payer))
	assert.EqualValues(t, 200_000, getBalance(t, payee))

	t.Run("paying your own invoice fails", func(t *testing.T) {
		own := createInvoice(t, payer, 1_000)
		h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
			Key:    payer,
			Path:   "/sends",
			Method: http.MethodPost,
			Body:   fmt.Sprintf(`{"paymentRequest": %q}`, own.PaymentRequest),
		}), http.StatusBadRequest, apierr.ErrOwnPaymentRequest.Code())
	})
}

func TestRestServer_Recover(t *testing.T) {
	t.Parallel()
	oldKey := registerUser(t)
	fund(t, oldKey, 75_000)

	var user apiusers.Response
	h.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
		Key:    oldKey,
		Path:   "/users/me/recovery_name",
		Method: http.MethodPut,
		Body:   `{"recoveryName": "Satoshi Nakamoto"}`,
	}), &user)
	require.NotNil(t, user.RecoveryName)
	assert.Equal(t, "Satoshi Nakamoto", *user.RecoveryName)

	t.Run("invalid recovery name", func(t *testing.T) {
		h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
			Key:    oldKey,
			Path:   "/users/me/recovery_name",
			Method: http.MethodPut,
			Body:   `{"recoveryName": "x1234!"}`,
		}), http.StatusBadRequest, apierr.ErrRequestValidationFailed.Code())
	})

	var recovery recoveries.Recovery
	admin.AssertResponseOkWithJson(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/recoveries",
		Method: http.MethodPost,
		Body:   fmt.Sprintf(`{"publicKey": %q, "expiryDays": 1}`, user.PublicKey),
	}), &recovery)

	newKey := userstestutil.GenKey(t)
	var recovered apiusers.Response
	h.AssertResponseOkWithJson(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
		Key:    newKey,
		Path:   "/users/recover",
		Method: http.MethodPost,
		Body:   fmt.Sprintf(`{"recoveryId": %q}`, recovery.ID),
	}), &recovered)
	assert.Equal(t, userstestutil.PublicKeyHex(newKey), recovered.PublicKey)
	assert.EqualValues(t, 75_000, recovered.BalanceMsat)
	assert.Equal(t, user.RecoveryName, recovered.RecoveryName)

	h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
		Key:    oldKey,
		Path:   "/balance",
		Method: http.MethodGet,
	}), http.StatusForbidden, apierr.ErrUserNotRegistered.Code())

	t.Run("recoveries can only be used once", func(t *testing.T) {
		h.AssertResponseNotOkWithCode(t, httptestutil.GetAuthRequest(t, httptestutil.AuthRequestArgs{
			Key:    userstestutil.GenKey(t),
			Path:   "/users/recover",
			Method: http.MethodPost,
			Body:   fmt.Sprintf(`{"recoveryId": %q}`, recovery.ID),
		}), http.StatusNotFound, apierr.ErrRecoveryNotFound.Code())
	})
}

func TestRestServer_Fees(t *testing.T) {
	t.Parallel()
	var fees tracker.Fees
	h.AssertResponseOkWithJson(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/fees",
		Method: http.MethodGet,
	}), &fees)
	assert.Equal(t, testPolicy.FeePPM, fees.FeePPM)
	assert.Equal(t, testPolicy.BaseFeeMsat, fees.BaseFeeMsat)
	assert.Equal(t, testPolicy.MaxAmountMsat(), fees.MaxAmountMsat)
}

func TestRestServer_AdminUsers(t *testing.T) {
	t.Parallel()
	key := registerUser(t)
	fund(t, key, 42_000)

	var users []registry.UserSummary
	admin.AssertResponseOkWithJson(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/users",
		Method: http.MethodGet,
	}), &users)

	var found *registry.UserSummary
	for i := range users {
		if users[i].PublicKey == userstestutil.PublicKeyHex(key) {
			found = &users[i]
		}
	}
	require.NotNil(t, found)
	assert.EqualValues(t, 42_000, found.BalanceMsat)

	var all []invites.WithUsage
	admin.AssertResponseOkWithJson(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/invites",
		Method: http.MethodGet,
	}), &all)
	assert.NotEmpty(t, all)

	t.Run("invites need a positive limit", func(t *testing.T) {
		admin.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
			Path:   "/invites",
			Method: http.MethodPost,
			Body:   `{"userLimit": 0, "expiryDays": 1}`,
		}), http.StatusBadRequest, apierr.ErrRequestValidationFailed.Code())
	})
}

func TestRestServer_AdminSweep(t *testing.T) {
	t.Parallel()
	res := admin.AssertResponseOk(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/sweep",
		Method: http.MethodPost,
	}))
	assert.Contains(t, res.Body.String(), "expired")
}

func TestRestServer_AdminNode(t *testing.T) {
	t.Parallel()
	peer := userstestutil.GenKey(t)
	// node keys are secp256k1, but only the encoding is checked here
	peerPK := userstestutil.PublicKeyHex(peer)

	var info ln.NodeInfo
	admin.AssertResponseOkWithJson(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/node/info",
		Method: http.MethodGet,
	}), &info)
	assert.Equal(t, node.Network().Name, info.Network)

	admin.AssertResponseOk(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/node/peers",
		Method: http.MethodPost,
		Body:   fmt.Sprintf(`{"publicKey": %q, "host": "127.0.0.1:9735"}`, peerPK),
	}))

	var peers []ln.Peer
	admin.AssertResponseOkWithJson(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/node/peers",
		Method: http.MethodGet,
	}), &peers)
	assert.Contains(t, peers, ln.Peer{PublicKey: peerPK, Address: "127.0.0.1:9735"})

	var opened struct {
		ChannelPoint string `json:"channelPoint"`
	}
	admin.AssertResponseOkWithJson(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/node/channels",
		Method: http.MethodPost,
		Body:   fmt.Sprintf(`{"publicKey": %q, "amountSat": 100000}`, peerPK),
	}), &opened)
	assert.NotEmpty(t, opened.ChannelPoint)

	var closed struct {
		Txid string `json:"txid"`
	}
	admin.AssertResponseOkWithJson(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/node/channels/close",
		Method: http.MethodPost,
		Body:   fmt.Sprintf(`{"channelPoint": %q}`, opened.ChannelPoint),
	}), &closed)
	assert.Len(t, closed.Txid, 64)

	admin.AssertResponseOk(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/node/peers/" + peerPK,
		Method: http.MethodDelete,
	}))

	t.Run("open channel needs an amount", func(t *testing.T) {
		admin.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
			Path:   "/node/channels",
			Method: http.MethodPost,
			Body:   fmt.Sprintf(`{"publicKey": %q}`, peerPK),
		}), http.StatusBadRequest, apierr.ErrRequestValidationFailed.Code())
	})
}

func TestRestServer_Metrics(t *testing.T) {
	t.Parallel()
	res := admin.AssertResponseOk(t, httptestutil.GetRequest(t, httptestutil.RequestArgs{
		Path:   "/metrics",
		Method: http.MethodGet,
	}))
	assert.Contains(t, res.Body.String(), "lnbank_")
}

func int64Ptr(i int64) *int64 {
	return &i
}
