package payreq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/build"
)

var log = build.AddSubLogger("PREQ")

var (
	// ErrResolveFailed means the LNURL endpoint couldn't be used to get an
	// invoice
	ErrResolveFailed = errors.New("could not resolve payment request")
	// ErrAmountNotSendable means the endpoint doesn't accept the amount
	ErrAmountNotSendable = errors.New("amount not accepted by recipient")
)

const (
	payRequestTag      = "payRequest"
	defaultHTTPTimeout = 15 * time.Second
	maxResponseBytes   = 1 << 20
)

// Resolver turns LNURL-pay links and Lightning addresses into invoices
type Resolver struct {
	Client  *http.Client
	Network *chaincfg.Params
}

// NewResolver creates a resolver with a default HTTP client
func NewResolver(network *chaincfg.Params) Resolver {
	return Resolver{
		Client:  &http.Client{Timeout: defaultHTTPTimeout},
		Network: network,
	}
}

type payParams struct {
	Tag         string `json:"tag"`
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
	Metadata    string `json:"metadata"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
}

type payResponse struct {
	PR     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Resolve fetches an invoice for amountMsat from the request's endpoint.
// Requests that don't need resolving are returned as is.
func (r Resolver) Resolve(ctx context.Context, request Request, amountMsat int64) (Request, error) {
	if !request.Kind.NeedsResolving() {
		return request, nil
	}

	var params payParams
	if err := r.getJSON(ctx, request.Endpoint, &params); err != nil {
		return Request{}, err
	}
	if params.Status == "ERROR" {
		return Request{}, fmt.Errorf("%w: %s", ErrResolveFailed, params.Reason)
	}
	if params.Tag != "" && params.Tag != payRequestTag {
		return Request{}, fmt.Errorf("%w: not a pay request (%s)", ErrResolveFailed, params.Tag)
	}
	if amountMsat < params.MinSendable {
		return Request{}, fmt.Errorf("%w: minimum is %d msat", ErrAmountNotSendable, params.MinSendable)
	}
	if amountMsat > params.MaxSendable {
		return Request{}, fmt.Errorf("%w: maximum is %d msat", ErrAmountNotSendable, params.MaxSendable)
	}

	callback, err := parseEndpoint(params.Callback)
	if err != nil {
		return Request{}, fmt.Errorf("%w: bad callback: %v", ErrResolveFailed, err)
	}
	query := callback.Query()
	query.Set("amount", strconv.FormatInt(amountMsat, 10))
	callback.RawQuery = query.Encode()

	var response payResponse
	if err := r.getJSON(ctx, callback.String(), &response); err != nil {
		return Request{}, err
	}
	if response.Status == "ERROR" {
		return Request{}, fmt.Errorf("%w: %s", ErrResolveFailed, response.Reason)
	}

	invoice, err := Parse(response.PR, r.Network)
	if err != nil {
		return Request{}, fmt.Errorf("%w: bad invoice: %v", ErrResolveFailed, err)
	}
	if invoice.Kind != Bolt11 {
		return Request{}, fmt.Errorf("%w: callback did not return an invoice", ErrResolveFailed)
	}
	if invoice.AmountMsat == nil || *invoice.AmountMsat != amountMsat {
		return Request{}, fmt.Errorf("%w: invoice amount doesn't match", ErrResolveFailed)
	}
	invoice.Address = request.Address

	log.WithFields(logrus.Fields{
		"endpoint":    request.Endpoint,
		"amountMsat":  amountMsat,
		"paymentHash": invoice.PaymentHash,
	}).Debug("Resolved payment request")
	return invoice, nil
}

func (r Resolver) getJSON(ctx context.Context, endpoint string, dest interface{}) error {
	if _, err := url.Parse(endpoint); err != nil {
		return fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %s", ErrResolveFailed, endpoint, res.Status)
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseBytes)).Decode(dest); err != nil {
		return fmt.Errorf("%w: bad response: %v", ErrResolveFailed, err)
	}
	return nil
}
