package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/lnbank/api/apierr"
	"gitlab.com/arcanecrypto/lnbank/api/httptypes"
	"gitlab.com/arcanecrypto/lnbank/build"
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func genKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func newRouter(limiter *RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(apierr.GetMiddleware(log))
	r.Use(GetMiddleware(limiter))
	r.GET("/whoami", func(c *gin.Context) {
		identity, ok := RequireIdentity(c)
		if !ok {
			return
		}
		c.String(http.StatusOK, identity)
	})
	return r
}

func request(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/whoami", nil)
	if header != "" {
		req.Header.Set(Header, header)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func assertCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, w.Code)
	var res httptypes.StandardErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	assert.Equal(t, code, res.ErrorField.Code)
}

func TestParsePublicKey(t *testing.T) {
	t.Parallel()
	key := genKey(t)

	parsed, err := ParsePublicKey(EncodePublicKey(&key.PublicKey))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(&key.PublicKey))

	for _, bad := range []string{"", "zz", "02" + strings.Repeat("00", 31), strings.Repeat("ab", 65)} {
		_, err := ParsePublicKey(bad)
		assert.ErrorIs(t, err, ErrInvalidPublicKey, bad)
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	router := newRouter(nil)
	key := genKey(t)

	t.Run("valid token", func(t *testing.T) {
		token, err := CreateJwt(key, time.Minute)
		require.NoError(t, err)

		w := request(router, token)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, EncodePublicKey(&key.PublicKey), w.Body.String())
	})

	t.Run("missing header", func(t *testing.T) {
		assertCode(t, request(router, ""), http.StatusBadRequest, apierr.ErrMissingAuthHeader.Code())
	})

	t.Run("not a bearer token", func(t *testing.T) {
		token, err := CreateJwt(key, time.Minute)
		require.NoError(t, err)
		assertCode(t, request(router, strings.TrimPrefix(token, "Bearer ")),
			http.StatusBadRequest, apierr.ErrMalformedJwt.Code())
	})

	t.Run("garbage", func(t *testing.T) {
		assertCode(t, request(router, "Bearer foobar"), http.StatusBadRequest, apierr.ErrMalformedJwt.Code())
	})

	t.Run("signed by another key", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodES256, &jwt.StandardClaims{
			Subject:   EncodePublicKey(&key.PublicKey),
			ExpiresAt: time.Now().Add(time.Minute).Unix(),
		})
		signed, err := token.SignedString(genKey(t))
		require.NoError(t, err)
		assertCode(t, request(router, "Bearer "+signed),
			http.StatusUnauthorized, apierr.ErrInvalidJwtSignature.Code())
	})

	t.Run("HMAC", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, &jwt.StandardClaims{
			Subject:   EncodePublicKey(&key.PublicKey),
			ExpiresAt: time.Now().Add(time.Minute).Unix(),
		})
		signed, err := token.SignedString([]byte(EncodePublicKey(&key.PublicKey)))
		require.NoError(t, err)
		assertCode(t, request(router, "Bearer "+signed),
			http.StatusUnauthorized, apierr.ErrInvalidJwtSignature.Code())
	})

	t.Run("expired", func(t *testing.T) {
		token, err := createJwt(createJwtArgs{
			key:      key,
			lifetime: time.Minute,
			now:      func() time.Time { return time.Now().Add(-time.Hour) },
		})
		require.NoError(t, err)
		assertCode(t, request(router, token), http.StatusUnauthorized, apierr.ErrExpiredJwt.Code())
	})

	t.Run("lifetime too long", func(t *testing.T) {
		token, err := createJwt(createJwtArgs{key: key, lifetime: 24 * time.Hour})
		require.NoError(t, err)
		assertCode(t, request(router, token), http.StatusUnauthorized, apierr.ErrJwtLifetimeTooLong.Code())
	})

	t.Run("no expiry", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodES256, &jwt.StandardClaims{
			Subject: EncodePublicKey(&key.PublicKey),
		})
		signed, err := token.SignedString(key)
		require.NoError(t, err)
		assertCode(t, request(router, "Bearer "+signed),
			http.StatusUnauthorized, apierr.ErrJwtLifetimeTooLong.Code())
	})
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	router := newRouter(NewRateLimiter(0.001, 3))
	key := genKey(t)
	token, err := CreateJwt(key, time.Minute)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, request(router, token).Code)
	}
	assertCode(t, request(router, token), http.StatusTooManyRequests, apierr.ErrRateLimited.Code())

	// other identities have their own bucket
	other, err := CreateJwt(genKey(t), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, request(router, other).Code)
}

func TestRateLimiterForgetsIdleIdentities(t *testing.T) {
	t.Parallel()
	now := time.Now()
	limiter := NewRateLimiter(1, 1)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))

	now = now.Add(idleLimiterTimeout + pruneInterval + time.Second)
	assert.True(t, limiter.Allow("b"))
	limiter.mu.Lock()
	_, found := limiter.limiters["a"]
	limiter.mu.Unlock()
	assert.False(t, found)
}
