// Package payreq parses the destinations users can send to: BOLT11
// invoices, BOLT12 offers, LNURL-pay links and Lightning addresses.
package payreq

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
)

var (
	// ErrUnknownRequest means the string isn't any kind of payment request
	// this package knows
	ErrUnknownRequest = errors.New("unknown payment request")
	// ErrWrongNetwork means the invoice is for another chain
	ErrWrongNetwork = errors.New("payment request is for another network")
)

// Kind is the type of a payment request
type Kind int

const (
	// Bolt11 is a single use invoice
	Bolt11 Kind = iota + 1
	// Bolt12 is a reusable offer
	Bolt12
	// LNURL is a LUD-06 LNURL-pay link, resolved to a BOLT11 invoice
	LNURL
	// LightningAddress is a LUD-16 address, resolved to a BOLT11 invoice
	LightningAddress
)

func (k Kind) String() string {
	switch k {
	case Bolt11:
		return "bolt11"
	case Bolt12:
		return "bolt12"
	case LNURL:
		return "lnurl"
	case LightningAddress:
		return "lightning_address"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// NeedsResolving checks whether the request has to be turned into an
// invoice before it can be paid
func (k Kind) NeedsResolving() bool {
	return k == LNURL || k == LightningAddress
}

// Request is a parsed payment request
type Request struct {
	Kind Kind
	// Encoded is the request without URI prefixes. Bech32 encoded
	// requests are lower cased.
	Encoded string

	// Only set for BOLT11 invoices
	PaymentHash string
	AmountMsat  *int64
	Description string
	ExpiresAt   *time.Time

	// Endpoint is where LNURL and Lightning address requests are resolved
	Endpoint string
	// Address is set for Lightning addresses, and kept after resolving
	Address string
}

// Expired checks whether the invoice is expired at the given time
func (r Request) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

const (
	offerPrefix = "lno1"
	lnurlHRP    = "lnurl"
)

var (
	addressLocalPart = regexp.MustCompile(`^[a-z0-9\-_.+]+$`)
	prefixes         = []string{"lightning:", "lnurl:"}
)

// Strip removes URI prefixes and whitespace
func Strip(request string) string {
	request = strings.TrimSpace(request)
	for stripped := true; stripped; {
		stripped = false
		for _, prefix := range prefixes {
			if len(request) >= len(prefix) && strings.EqualFold(request[:len(prefix)], prefix) {
				request = request[len(prefix):]
				stripped = true
			}
		}
	}
	return request
}

// Parse figures out what kind of request the string is. BOLT11 invoices
// are decoded and must be for the given network.
func Parse(request string, network *chaincfg.Params) (Request, error) {
	stripped := Strip(request)
	lower := strings.ToLower(stripped)

	switch {
	case lower == "":
		return Request{}, ErrUnknownRequest

	case strings.HasPrefix(lower, offerPrefix):
		return Request{Kind: Bolt12, Encoded: lower}, nil

	case strings.HasPrefix(lower, lnurlHRP+"1"):
		endpoint, err := decodeLNURL(lower)
		if err != nil {
			return Request{}, err
		}
		return Request{Kind: LNURL, Encoded: lower, Endpoint: endpoint}, nil

	case strings.HasPrefix(lower, "lnurlp://"):
		endpoint, err := lud17Endpoint(stripped)
		if err != nil {
			return Request{}, err
		}
		return Request{Kind: LNURL, Encoded: stripped, Endpoint: endpoint}, nil

	case strings.Contains(lower, "@"):
		return parseAddress(lower)

	case strings.HasPrefix(lower, "ln"):
		return parseBolt11(lower, network)
	}
	return Request{}, ErrUnknownRequest
}

func parseBolt11(encoded string, network *chaincfg.Params) (Request, error) {
	invoice, err := zpay32.Decode(encoded, network)
	if err != nil {
		if strings.Contains(err.Error(), "invoice not for current active network") {
			return Request{}, fmt.Errorf("%w: %v", ErrWrongNetwork, err)
		}
		return Request{}, fmt.Errorf("%w: %v", ErrUnknownRequest, err)
	}
	if invoice.PaymentHash == nil {
		return Request{}, fmt.Errorf("%w: invoice has no payment hash", ErrUnknownRequest)
	}

	expiresAt := invoice.Timestamp.Add(invoice.Expiry())
	parsed := Request{
		Kind:        Bolt11,
		Encoded:     encoded,
		PaymentHash: hex.EncodeToString(invoice.PaymentHash[:]),
		ExpiresAt:   &expiresAt,
	}
	if invoice.MilliSat != nil && *invoice.MilliSat > 0 {
		amount := int64(*invoice.MilliSat)
		parsed.AmountMsat = &amount
	}
	if invoice.Description != nil {
		parsed.Description = *invoice.Description
	}
	return parsed, nil
}

func decodeLNURL(encoded string) (string, error) {
	hrp, data, err := bech32.DecodeNoLimit(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownRequest, err)
	}
	if hrp != lnurlHRP {
		return "", fmt.Errorf("%w: unexpected prefix %q", ErrUnknownRequest, hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownRequest, err)
	}
	endpoint := string(decoded)
	if _, err := parseEndpoint(endpoint); err != nil {
		return "", err
	}
	return endpoint, nil
}

// lud17Endpoint turns lnurlp:// links into the URL they point to. Onion
// services are reached over plain HTTP.
func lud17Endpoint(link string) (string, error) {
	parsed, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownRequest, err)
	}
	parsed.Scheme = "https"
	if strings.HasSuffix(parsed.Hostname(), ".onion") {
		parsed.Scheme = "http"
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: link has no host", ErrUnknownRequest)
	}
	return parsed.String(), nil
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRequest, err)
	}
	onion := strings.HasSuffix(parsed.Hostname(), ".onion")
	if parsed.Scheme != "https" && !(onion && parsed.Scheme == "http") {
		return nil, fmt.Errorf("%w: LNURL must use https", ErrUnknownRequest)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: LNURL has no host", ErrUnknownRequest)
	}
	return parsed, nil
}

func parseAddress(address string) (Request, error) {
	parts := strings.Split(address, "@")
	if len(parts) != 2 {
		return Request{}, ErrUnknownRequest
	}
	user, domain := parts[0], parts[1]
	if !addressLocalPart.MatchString(user) || domain == "" {
		return Request{}, ErrUnknownRequest
	}

	scheme := "https"
	if strings.HasSuffix(domain, ".onion") {
		scheme = "http"
	}
	endpoint := url.URL{
		Scheme: scheme,
		Host:   domain,
		Path:   "/.well-known/lnurlp/" + user,
	}
	if endpoint.Hostname() == "" {
		return Request{}, ErrUnknownRequest
	}
	return Request{
		Kind:     LightningAddress,
		Encoded:  address,
		Endpoint: endpoint.String(),
		Address:  address,
	}, nil
}
