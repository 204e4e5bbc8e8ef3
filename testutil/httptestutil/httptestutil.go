// Package httptestutil provides helpers for testing our HTTP APIs
package httptestutil

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/lnbank/api/auth"
	"gitlab.com/arcanecrypto/lnbank/testutil/userstestutil"
)

// Server is something that can serve HTTP requests
type Server interface {
	ServeHTTP(response http.ResponseWriter, request *http.Request)
}

// TestHarness executes requests against a server and checks the
// responses
type TestHarness struct {
	server Server
}

// NewTestHarness creates a harness for the given server
func NewTestHarness(server Server) TestHarness {
	return TestHarness{server: server}
}

// Checks if the given string is valid JSON
func isJSONString(s string) bool {
	var js interface{}
	err := json.Unmarshal([]byte(s), &js)
	return err == nil
}

// RequestArgs describes a request
type RequestArgs struct {
	Path   string
	Method string
	Body   string
}

// GetRequest returns a HTTP request with an optional JSON body
func GetRequest(t *testing.T, args RequestArgs) *http.Request {
	t.Helper()
	require.NotEmpty(t, args.Path, "You forgot to set Path")
	require.NotEmpty(t, args.Method, "You forgot to set Method")

	body := &bytes.Buffer{}
	if args.Body != "" {
		require.Truef(t, isJSONString(args.Body), "Body was not valid JSON: %s", args.Body)
		body = bytes.NewBufferString(args.Body)
	}

	req, err := http.NewRequest(args.Method, args.Path, body)
	require.NoError(t, err, "Couldn't construct request")
	if args.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// AuthRequestArgs describes a request made as the identity of Key
type AuthRequestArgs struct {
	Key    *ecdsa.PrivateKey
	Path   string
	Method string
	Body   string
}

// GetAuthRequest returns a HTTP request that carries a bearer token signed
// by the given key, and an optional JSON body
func GetAuthRequest(t *testing.T, args AuthRequestArgs) *http.Request {
	t.Helper()
	require.NotNil(t, args.Key, "You forgot to set Key")

	token, err := auth.CreateJwt(args.Key, auth.MaxTokenLifetime)
	require.NoError(t, err)

	req := GetRequest(t, RequestArgs{Path: args.Path, Method: args.Method, Body: args.Body})
	req.Header.Set(auth.Header, token)
	return req
}

func extractMethodAndPath(req *http.Request) string {
	return req.Method + " " + req.URL.Path
}

// Do performs the request without checking the response
func (harness *TestHarness) Do(request *http.Request) *httptest.ResponseRecorder {
	response := httptest.NewRecorder()
	harness.server.ServeHTTP(response, request)
	return response
}

// AssertResponseOk performs the given request and asserts that the
// response has a 2xx code
func (harness *TestHarness) AssertResponseOk(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	response := harness.Do(request)
	require.Truef(t, response.Code >= 200 && response.Code < 300,
		"Got failure code (%d) on path %s: %s",
		response.Code, extractMethodAndPath(request), response.Body.String())
	return response
}

// AssertResponseOkWithJson performs AssertResponseOk and then decodes the
// JSON body into destination
func (harness *TestHarness) AssertResponseOkWithJson(t *testing.T, request *http.Request, destination interface{}) {
	t.Helper()
	response := harness.AssertResponseOk(t, request)
	require.NoErrorf(t, json.Unmarshal(response.Body.Bytes(), destination),
		"Body: %s", response.Body.String())
}

// AssertResponseNotOkWithCode checks that the given request fails with the
// given status and error code. It returns the response to the request.
func (harness *TestHarness) AssertResponseNotOkWithCode(t *testing.T, request *http.Request, status int, code string) *httptest.ResponseRecorder {
	t.Helper()
	response := harness.Do(request)
	require.Equalf(t, status, response.Code,
		"Unexpected code on path %s: %s", extractMethodAndPath(request), response.Body.String())

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoErrorf(t, json.Unmarshal(response.Body.Bytes(), &body),
		"Error response was not JSON")
	require.Equal(t, code, body.Error.Code)
	return response
}

// RegisterUser registers a new identity with the given invite and returns
// its key
func (harness *TestHarness) RegisterUser(t *testing.T, inviteID string) *ecdsa.PrivateKey {
	t.Helper()
	key := userstestutil.GenKey(t)
	harness.AssertResponseOk(t, GetAuthRequest(t, AuthRequestArgs{
		Key:    key,
		Path:   "/users",
		Method: http.MethodPost,
		Body:   fmt.Sprintf(`{"inviteId": %q}`, inviteID),
	}))
	return key
}
