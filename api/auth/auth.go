// Package auth authenticates requests. Users have no passwords, a request
// is made by whoever holds the private key of the identity it claims: the
// bearer token is an ES256 JWT whose subject is the hex encoded compressed
// P-256 public key it is signed with.
package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"

	"gitlab.com/arcanecrypto/lnbank/api/apierr"
	"gitlab.com/arcanecrypto/lnbank/build"
)

const (
	// Header is the name of the header we check for authentication details
	Header = "Authorization"
	// identityVariable is the Gin variable we store the authenticated
	// identity as
	identityVariable = "identity"

	// MaxTokenLifetime is how far in the future tokens can expire
	MaxTokenLifetime = time.Hour
	// clock drift we accept between clients and us
	leeway = time.Minute
)

var log = build.AddSubLogger("AUTH")

var (
	// ErrInvalidPublicKey means the identity is not a compressed P-256 key
	ErrInvalidPublicKey = errors.New("invalid public key")
	errLifetimeTooLong  = errors.New("token lifetime too long")
)

// ParsePublicKey decodes a hex encoded compressed P-256 public key
func ParsePublicKey(publicKey string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), raw)
	if x == nil {
		return nil, fmt.Errorf("%w: not a compressed P-256 point", ErrInvalidPublicKey)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// EncodePublicKey is the inverse of ParsePublicKey
func EncodePublicKey(key *ecdsa.PublicKey) string {
	return hex.EncodeToString(elliptic.MarshalCompressed(elliptic.P256(), key.X, key.Y))
}

type createJwtArgs struct {
	key      *ecdsa.PrivateKey
	lifetime time.Duration
	now      func() time.Time
}

func createJwt(args createJwtArgs) (string, error) {
	if args.now == nil {
		args.now = time.Now
	}
	now := args.now()

	token := jwt.NewWithClaims(jwt.SigningMethodES256, &jwt.StandardClaims{
		Subject:   EncodePublicKey(&args.key.PublicKey),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(args.lifetime).Unix(),
	})

	tokenString, err := token.SignedString(args.key)
	if err != nil {
		return "", fmt.Errorf("could not sign JWT: %w", err)
	}
	return "Bearer " + tokenString, nil
}

// CreateJwt creates a bearer token for the identity of the given key. It
// returns the value of the Authorization header.
func CreateJwt(key *ecdsa.PrivateKey, lifetime time.Duration) (string, error) {
	if lifetime <= 0 || lifetime > MaxTokenLifetime {
		lifetime = MaxTokenLifetime
	}
	return createJwt(createJwtArgs{key: key, lifetime: lifetime})
}

// GetMiddleware generates a middleware that authenticates the bearer JWT in
// the authorization header, and stores the identity that signed it in the
// request. The identity does not need to be registered. If limiter is not
// nil every identity is rate limited by it.
func GetMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(Header)
		if header == "" {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrMissingAuthHeader)
			return
		}

		identity, err := parseBearerJwt(header, time.Now())
		if err != nil {
			rejectJwt(c, err)
			return
		}

		if limiter != nil && !limiter.Allow(identity) {
			log.WithField("identity", identity).Debug("Rate limited request")
			apierr.Public(c, http.StatusTooManyRequests, apierr.ErrRateLimited)
			return
		}

		c.Set(identityVariable, identity)
	}
}

func rejectJwt(c *gin.Context, err error) {
	if errors.Is(err, errLifetimeTooLong) {
		apierr.Public(c, http.StatusUnauthorized, apierr.ErrJwtLifetimeTooLong)
		return
	}

	var validationError *jwt.ValidationError
	if errors.As(err, &validationError) {
		switch {
		case validationError.Errors&jwt.ValidationErrorMalformed != 0:
			apierr.Public(c, http.StatusBadRequest, apierr.ErrMalformedJwt)
			return
		case validationError.Errors&jwt.ValidationErrorExpired != 0:
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrExpiredJwt)
			return
		}
	}

	log.WithError(err).Debug("Rejecting JWT")
	apierr.Public(c, http.StatusUnauthorized, apierr.ErrInvalidJwtSignature)
}

// parseBearerJwt verifies the token is signed by the key in its subject,
// and returns the subject
func parseBearerJwt(header string, now time.Time) (string, error) {
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header {
		return "", jwt.NewValidationError("missing Bearer prefix", jwt.ValidationErrorMalformed)
	}

	claims := &jwt.StandardClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodES256 {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return ParsePublicKey(claims.Subject)
	})
	if err != nil {
		return "", err
	}

	if claims.ExpiresAt == 0 || time.Unix(claims.ExpiresAt, 0).After(now.Add(MaxTokenLifetime+leeway)) {
		return "", errLifetimeTooLong
	}
	return claims.Subject, nil
}

// RequireIdentity returns the identity authenticated by the middleware. If
// there is none the request is rejected, and no further action is needed by
// the caller of this function.
func RequireIdentity(c *gin.Context) (string, bool) {
	identity := c.GetString(identityVariable)
	if identity == "" {
		const msg = "identity is not set in request, the authentication middleware did not run"
		_ = c.AbortWithError(http.StatusInternalServerError, errors.New(msg))
		return "", false
	}
	return identity, true
}
