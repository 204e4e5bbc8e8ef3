package ln

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestDefaultRelativeMacaroonPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, filepath.Join("data", "chain", "bitcoin", "testnet", "admin.macaroon"),
		DefaultRelativeMacaroonPath(chaincfg.TestNet3Params))
	assert.Equal(t, filepath.Join("data", "chain", "bitcoin", "regtest", "admin.macaroon"),
		DefaultRelativeMacaroonPath(chaincfg.RegressionNetParams))
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()
	cfg := LightningConfig{
		LndDir:  "/tmp/lnd",
		Network: chaincfg.RegressionNetParams,
	}.withDefaults()

	assert.Equal(t, "/tmp/lnd/tls.cert", cfg.TLSCertPath)
	assert.Equal(t, "/tmp/lnd/data/chain/bitcoin/regtest/admin.macaroon", cfg.MacaroonPath)
	assert.Equal(t, "localhost:10009", cfg.RPCServer())
}

func TestPaymentEvent(t *testing.T) {
	t.Parallel()

	event, final := paymentEvent(&lnrpc.Payment{
		PaymentHash:  "abcd",
		Status:       lnrpc.Payment_SUCCEEDED,
		ValueMsat:    1000,
		FeeMsat:      3,
		PaymentIndex: 12,
	})
	require.True(t, final)
	assert.Equal(t, Event{Kind: PaymentSent, PaymentID: "abcd", AmountMsat: 1000, FeeMsat: 3, Attempt: 12}, event)

	event, final = paymentEvent(&lnrpc.Payment{
		PaymentHash:   "abcd",
		Status:        lnrpc.Payment_FAILED,
		FailureReason: lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE,
		PaymentIndex:  13,
	})
	require.True(t, final)
	assert.Equal(t, PaymentFailed, event.Kind)
	assert.Equal(t, "FAILURE_REASON_NO_ROUTE", event.Reason)
	assert.EqualValues(t, 13, event.Attempt)

	_, final = paymentEvent(&lnrpc.Payment{Status: lnrpc.Payment_IN_FLIGHT})
	assert.False(t, final)
}

func TestInvoiceEvent(t *testing.T) {
	t.Parallel()

	_, ok := invoiceEvent(&lnrpc.Invoice{State: lnrpc.Invoice_OPEN})
	assert.False(t, ok)

	event, ok := invoiceEvent(&lnrpc.Invoice{
		State:       lnrpc.Invoice_SETTLED,
		RHash:       []byte{0xde, 0xad},
		AmtPaidMsat: 5000,
		SettleIndex: 7,
	})
	require.True(t, ok)
	assert.Equal(t, Event{
		Kind:       PaymentReceived,
		PaymentID:  "dead",
		RequestID:  "dead",
		AmountMsat: 5000,
		Cursor:     7,
	}, event)
}

func TestIsAmbiguous(t *testing.T) {
	t.Parallel()
	assert.True(t, IsAmbiguous(context.DeadlineExceeded))
	assert.True(t, IsAmbiguous(fmt.Errorf("send: %w", context.Canceled)))
	assert.True(t, IsAmbiguous(status.Error(codes.DeadlineExceeded, "slow")))
	assert.False(t, IsAmbiguous(errors.New("invoice expired")))
	assert.False(t, IsAmbiguous(status.Error(codes.Unavailable, "down")))
}

func TestWrapRPCError(t *testing.T) {
	t.Parallel()
	assert.NoError(t, wrapRPCError(nil, "nothing"))
	assert.True(t, errors.Is(wrapRPCError(status.Error(codes.Unavailable, "down"), "pay"), ErrNodeUnavailable))
	assert.False(t, errors.Is(wrapRPCError(status.Error(codes.Unknown, "bad"), "pay"), ErrNodeUnavailable))
}

func TestParseChannelPoint(t *testing.T) {
	t.Parallel()
	txid := "6c1b5b3b5e1e0a0f3c53f9f2b2d0a5a3c0e8f0b9b4e1f2a3c4d5e6f708192a3b"
	point, err := ParseChannelPoint(txid + ":1")
	require.NoError(t, err)
	assert.Equal(t, txid, point.GetFundingTxidStr())
	assert.EqualValues(t, 1, point.OutputIndex)

	_, err = ParseChannelPoint("nope")
	assert.Error(t, err)
	_, err = ParseChannelPoint(txid + ":x")
	assert.Error(t, err)
}
