// Package apierr provides functionality for handling errors in our API.
// This includes both creating middleware for this, as well as terminating
// requests in a way that ensure a smooth user experience.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/api/httptypes"
	"gitlab.com/arcanecrypto/lnbank/ledger"
	"gitlab.com/arcanecrypto/lnbank/ln"
	"gitlab.com/arcanecrypto/lnbank/models/invoices"
	"gitlab.com/arcanecrypto/lnbank/models/sends"
	"gitlab.com/arcanecrypto/lnbank/models/users"
	"gitlab.com/arcanecrypto/lnbank/payreq"
	"gitlab.com/arcanecrypto/lnbank/policy"
	"gitlab.com/arcanecrypto/lnbank/registry"
	"gitlab.com/arcanecrypto/lnbank/tracker"
)

// apiError is a type we can pass in to the Public method of this package.
// It ensure we're both giving a unique error code and a meaningful error
// message.
type apiError struct {
	err  error
	code string
}

func (a apiError) Error() string {
	return pkgerrors.Wrap(a.err, a.code).Error()
}

// Unwrap returns the error behind the API error
func (a apiError) Unwrap() error {
	return a.err
}

// Is provides functionality for comparing errors
func (a apiError) Is(err error) bool {
	if stdErr, ok := err.(httptypes.StandardErrorResponse); ok {
		return stdErr.ErrorField.Code == a.code
	}
	if aErr, ok := err.(apiError); ok {
		return a.code == aErr.code
	}
	return false
}

// Code is the machine readable code of the error
func (a apiError) Code() string {
	return a.code
}

var (
	// errInvalidJson means we got sent invalid JSON
	errInvalidJson = apiError{
		err:  errors.New("invalid JSON"),
		code: "ERR_INVALID_JSON",
	}

	errBodyRequired = apiError{
		err:  errors.New("JSON body required"),
		code: "ERR_BODY_REQUIRED",
	}

	// ErrUnknownError means we don't know exactly what went wrong
	ErrUnknownError = apiError{
		err:  errors.New("something went wrong"),
		code: "ERR_UNKNOWN_ERROR",
	}

	// ErrRouteNotFound means the requested HTTP route wasn't found
	ErrRouteNotFound = apiError{
		err:  errors.New("route not found"),
		code: "ERR_ROUTE_NOT_FOUND",
	}

	// ErrMissingAuthHeader means the HTTP request had an empty auth header
	ErrMissingAuthHeader = apiError{
		err:  errors.New("missing authentication header"),
		code: "ERR_MISSING_AUTH_HEADER",
	}
	//ErrMalformedJwt means the given JWT was malformed
	ErrMalformedJwt = apiError{
		err:  errors.New("malformed JWT"),
		code: "ERR_MALFORMED_JWT",
	}
	//ErrInvalidJwtSignature means the JWT signature was invalid
	ErrInvalidJwtSignature = apiError{
		err:  errors.New("invalid JWT signature"),
		code: "ERR_INVALID_JWT_SIGNATURE",
	}
	//ErrExpiredJwt means we were given an expired JWT
	ErrExpiredJwt = apiError{
		err:  errors.New("expired JWT"),
		code: "ERR_EXPIRED_JWT",
	}
	// ErrJwtLifetimeTooLong means the JWT has no expiry, or one too far in
	// the future
	ErrJwtLifetimeTooLong = apiError{
		err:  errors.New("JWT must expire within an hour"),
		code: "ERR_JWT_LIFETIME_TOO_LONG",
	}
	// ErrRateLimited means the identity sent too many requests
	ErrRateLimited = apiError{
		err:  errors.New("too many requests"),
		code: "ERR_RATE_LIMITED",
	}
	//ErrBadRequest means we got a malformed request
	ErrBadRequest = apiError{
		err:  errors.New("bad request"),
		code: "ERR_BAD_REQUEST",
	}

	// ErrRequestValidationFailed means the user gave us an invalid request, either
	// in JSON, URL or query format
	ErrRequestValidationFailed = apiError{
		err:  errors.New("request validation failed"),
		code: "ERR_REQUEST_VALIDATION_FAILED",
	}

	ErrUserNotRegistered = apiError{
		err:  errors.New("identity is not registered"),
		code: "ERR_USER_NOT_REGISTERED",
	}
	ErrInviteNotFound = apiError{
		err:  registry.ErrInviteNotFound,
		code: "ERR_INVITE_NOT_FOUND",
	}
	ErrInviteExpired = apiError{
		err:  registry.ErrInviteExpired,
		code: "ERR_INVITE_EXPIRED",
	}
	ErrInviteExhausted = apiError{
		err:  registry.ErrInviteExhausted,
		code: "ERR_INVITE_EXHAUSTED",
	}
	ErrRecoveryNotFound = apiError{
		err:  registry.ErrRecoveryNotFound,
		code: "ERR_RECOVERY_NOT_FOUND",
	}
	ErrRecoveryExpired = apiError{
		err:  registry.ErrRecoveryExpired,
		code: "ERR_RECOVERY_EXPIRED",
	}
	ErrIdentityInUse = apiError{
		err:  registry.ErrIdentityInUse,
		code: "ERR_IDENTITY_IN_USE",
	}
	ErrRecoverSelf = apiError{
		err:  registry.ErrRecoverSelf,
		code: "ERR_RECOVER_SELF",
	}
	ErrInvalidRecoveryName = apiError{
		err:  registry.ErrInvalidRecoveryName,
		code: "ERR_INVALID_RECOVERY_NAME",
	}
	ErrInvalidArgument = apiError{
		err:  registry.ErrInvalidArgument,
		code: "ERR_INVALID_ARGUMENT",
	}
	ErrAmountOutOfRange = apiError{
		err:  policy.ErrAmountOutOfRange,
		code: "ERR_AMOUNT_OUT_OF_RANGE",
	}
	ErrPendingLimitExceeded = apiError{
		err:  policy.ErrPendingLimitExceeded,
		code: "ERR_PENDING_LIMIT_EXCEEDED",
	}
	// ErrBalanceTooLow means the user tried to spend more money than they
	// had available
	ErrBalanceTooLow = apiError{
		err:  ledger.ErrInsufficientBalance,
		code: "ERR_BALANCE_TOO_LOW",
	}
	ErrDuplicatePayment = apiError{
		err:  ledger.ErrDuplicatePayment,
		code: "ERR_DUPLICATE_PAYMENT",
	}
	ErrRequestNotPayable = apiError{
		err:  ledger.ErrRequestNotPayable,
		code: "ERR_REQUEST_NOT_PAYABLE",
	}
	ErrSendDispatchFailed = apiError{
		err:  tracker.ErrSendDispatchFailed,
		code: "ERR_SEND_DISPATCH_FAILED",
	}
	ErrAmountRequired = apiError{
		err:  tracker.ErrAmountRequired,
		code: "ERR_AMOUNT_REQUIRED",
	}
	ErrAmountMismatch = apiError{
		err:  tracker.ErrAmountMismatch,
		code: "ERR_AMOUNT_MISMATCH",
	}
	ErrOwnPaymentRequest = apiError{
		err:  tracker.ErrOwnPaymentRequest,
		code: "ERR_OWN_PAYMENT_REQUEST",
	}
	ErrFeeTooHigh = apiError{
		err:  tracker.ErrFeeTooHigh,
		code: "ERR_FEE_TOO_HIGH",
	}
	ErrInvalidPaymentRequest = apiError{
		err:  payreq.ErrUnknownRequest,
		code: "ERR_INVALID_PAYMENT_REQUEST",
	}
	ErrWrongNetwork = apiError{
		err:  payreq.ErrWrongNetwork,
		code: "ERR_WRONG_NETWORK",
	}
	ErrResolveFailed = apiError{
		err:  payreq.ErrResolveFailed,
		code: "ERR_RESOLVE_FAILED",
	}
	ErrAmountNotSendable = apiError{
		err:  payreq.ErrAmountNotSendable,
		code: "ERR_AMOUNT_NOT_SENDABLE",
	}
	ErrNodeUnavailable = apiError{
		err:  ln.ErrNodeUnavailable,
		code: "ERR_NODE_UNAVAILABLE",
	}
	ErrOffersUnsupported = apiError{
		err:  ln.ErrOffersUnsupported,
		code: "ERR_OFFERS_UNSUPPORTED",
	}
	//ErrInvoiceNotFound means the requested invoice was not found
	ErrInvoiceNotFound = apiError{
		err:  invoices.ErrInvoiceNotFound,
		code: "ERR_INVOICE_NOT_FOUND",
	}
	ErrOfferNotFound = apiError{
		err:  invoices.ErrOfferNotFound,
		code: "ERR_OFFER_NOT_FOUND",
	}
	ErrSendNotFound = apiError{
		err:  sends.ErrNotFound,
		code: "ERR_SEND_NOT_FOUND",
	}
)

// domainErrors maps errors returned by the domain packages to what we
// tell the user. The first match wins.
var domainErrors = []struct {
	target error
	status int
	public apiError
}{
	{users.ErrNotFound, http.StatusForbidden, ErrUserNotRegistered},
	{registry.ErrUserNotFound, http.StatusNotFound, ErrUserNotRegistered},
	{registry.ErrInviteNotFound, http.StatusNotFound, ErrInviteNotFound},
	{registry.ErrInviteExpired, http.StatusBadRequest, ErrInviteExpired},
	{registry.ErrInviteExhausted, http.StatusBadRequest, ErrInviteExhausted},
	{registry.ErrRecoveryNotFound, http.StatusNotFound, ErrRecoveryNotFound},
	{registry.ErrRecoveryExpired, http.StatusBadRequest, ErrRecoveryExpired},
	{registry.ErrIdentityInUse, http.StatusConflict, ErrIdentityInUse},
	{registry.ErrRecoverSelf, http.StatusBadRequest, ErrRecoverSelf},
	{registry.ErrInvalidRecoveryName, http.StatusBadRequest, ErrInvalidRecoveryName},
	{registry.ErrInvalidArgument, http.StatusBadRequest, ErrInvalidArgument},
	{policy.ErrAmountOutOfRange, http.StatusBadRequest, ErrAmountOutOfRange},
	{policy.ErrPendingLimitExceeded, http.StatusTooManyRequests, ErrPendingLimitExceeded},
	{ledger.ErrInsufficientBalance, http.StatusBadRequest, ErrBalanceTooLow},
	{ledger.ErrDuplicatePayment, http.StatusConflict, ErrDuplicatePayment},
	{ledger.ErrRequestNotPayable, http.StatusBadRequest, ErrRequestNotPayable},
	{tracker.ErrSendDispatchFailed, http.StatusBadGateway, ErrSendDispatchFailed},
	{tracker.ErrAmountRequired, http.StatusBadRequest, ErrAmountRequired},
	{tracker.ErrAmountMismatch, http.StatusBadRequest, ErrAmountMismatch},
	{tracker.ErrOwnPaymentRequest, http.StatusBadRequest, ErrOwnPaymentRequest},
	{tracker.ErrFeeTooHigh, http.StatusBadRequest, ErrFeeTooHigh},
	{payreq.ErrWrongNetwork, http.StatusBadRequest, ErrWrongNetwork},
	{payreq.ErrUnknownRequest, http.StatusBadRequest, ErrInvalidPaymentRequest},
	{payreq.ErrAmountNotSendable, http.StatusBadRequest, ErrAmountNotSendable},
	{payreq.ErrResolveFailed, http.StatusBadGateway, ErrResolveFailed},
	{ln.ErrNodeUnavailable, http.StatusServiceUnavailable, ErrNodeUnavailable},
	{ln.ErrOffersUnsupported, http.StatusNotImplemented, ErrOffersUnsupported},
	{invoices.ErrInvoiceNotFound, http.StatusNotFound, ErrInvoiceNotFound},
	{invoices.ErrOfferNotFound, http.StatusNotFound, ErrOfferNotFound},
	{sends.ErrNotFound, http.StatusNotFound, ErrSendNotFound},
}

// Handle fails the request with the given error. Errors from the domain
// packages are shown to the user, with the message of the actual error.
// Anything else is a private error, and the user gets a 500.
func Handle(c *gin.Context, err error) {
	for _, known := range domainErrors {
		if errors.Is(err, known.target) {
			Public(c, known.status, apiError{err: err, code: known.public.code})
			return
		}
	}
	_ = c.Error(err)
	c.Abort()
}

// capitalize makes the first element of a string uppercase
func capitalize(str string) string {
	if str == "" {
		return ""
	}
	runes := []rune(str)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// decapitalize makes the first element of a string lowercase
func decapitalize(str string) string {
	if str == "" {
		return ""
	}
	runes := []rune(str)
	runes[0] = unicode.ToLower(runes[0])
	return string(runes)
}

// GetMiddleware returns a Gin middleware that handles errors
func GetMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {

		// let previous handlers run
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// if HTTP code is set to -1 it doesn't overwrite what's already there
		httpCode := -1
		if c.Writer.Status() == http.StatusOK {
			// default to 500 if no status has been set
			httpCode = http.StatusInternalServerError
		}

		fieldErrors := handleValidationErrors(c, log)
		response := &httptypes.StandardErrorResponse{
			ErrorField: httptypes.StandardError{
				Fields: fieldErrors,
			},
		}

		// Check for JSON parsing errors
		for _, err := range c.Errors {
			var syntaxErr *json.SyntaxError
			if errors.Is(err.Err, io.EOF) {
				response.ErrorField.Code = errBodyRequired.code
				response.ErrorField.Message = capitalize(errBodyRequired.err.Error())
				c.JSON(http.StatusBadRequest, response)
				return
			} else if errors.As(err.Err, &syntaxErr) {
				response.ErrorField.Code = errInvalidJson.code
				response.ErrorField.Message = capitalize(errInvalidJson.err.Error())
				c.JSON(http.StatusBadRequest, response)
				return
			}
		}

		// public errors are errors that can be shown to the end user
		publicErrors := c.Errors.ByType(gin.ErrorTypePublic)
		if len(publicErrors) > 0 {
			// our error format only has space for one error, and all
			// handlers return right after setting a public error
			err := publicErrors.Last()
			var apiErr apiError
			if errors.As(err.Err, &apiErr) {
				response.ErrorField.Code = apiErr.code
				response.ErrorField.Message = apiErr.err.Error()
			} else {
				log.WithError(err).Warn("Got public error in error handler that was not apiError type")
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		} else if private := c.Errors.ByType(gin.ErrorTypePrivate); len(private) > 0 {
			log.WithError(private.Last()).WithField("path", c.Request.URL.Path).Error("Request failed")
		}

		// ensure all responses have a code
		if response.ErrorField.Code == "" {
			if len(fieldErrors) > 0 {
				// if we have any field errors, request validation failed
				response.ErrorField.Code = ErrRequestValidationFailed.code
				response.ErrorField.Message = ErrRequestValidationFailed.err.Error()
			} else {
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		response.ErrorField.Message = capitalize(response.ErrorField.Message)
		c.JSON(httpCode, response)
	}
}

// Public fails the given Gin request with the given error. It sets the error
// type as public, causing it to later be returned to the end user with a
// fitting error message.
func Public(c *gin.Context, code int, err apiError) {
	cErr := c.AbortWithError(code, err)
	_ = cErr.SetType(gin.ErrorTypePublic)
}

// UnknownValidationTag is the tag we apply when encountering a validation tag
// we don't know how to handle
const UnknownValidationTag = "unknown"

func handleValidationErrors(c *gin.Context, log *logrus.Logger) []httptypes.FieldError {
	// initialize to empty list instead of pointer, to make sure the empty list
	// is returned instead of nil
	//noinspection GoPreferNilSlice
	fieldErrors := []httptypes.FieldError{}
	for _, err := range c.Errors.ByType(gin.ErrorTypeBind) {
		// parsing form values fails before validation happens, see
		// https://github.com/gin-gonic/gin/issues/1907
		var numError *strconv.NumError
		if errors.As(err.Err, &numError) {
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   "unknown",
				Message: fmt.Sprintf("%q is not a valid number, %q failed", numError.Num, numError.Func),
				Code:    "invalid-number",
			})
			continue
		}

		var jsonError *json.UnmarshalTypeError
		if errors.As(err.Err, &jsonError) {
			log.WithError(jsonError).WithFields(logrus.Fields{
				"field": jsonError.Field,
				"value": jsonError.Value,
				"type":  jsonError.Type,
			}).Debug("Handling JSON error")
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   jsonError.Field,
				Message: fmt.Sprintf("%q requires a %s, got a %s", jsonError.Field, jsonError.Type, jsonError.Value),
				Code:    "invalid-type",
			})
			continue
		}

		var validationErrors validator.ValidationErrors
		if !errors.As(err.Err, &validationErrors) {
			continue
		}
		for _, validationErr := range validationErrors {
			// struct fields are named like the JSON/query fields, except
			// for the first letter
			field := decapitalize(validationErr.Field())
			var message string
			code := validationErr.Tag()
			switch validationErr.Tag() {
			case "required":
				message = fmt.Sprintf("%q is required", field)
			case "paymentrequest":
				message = fmt.Sprintf("%q is not a valid payment request", field)
			case "recoveryname":
				message = fmt.Sprintf("%q must be 1 to 20 letters and spaces", field)
			case "uuid", "uuid4":
				message = fmt.Sprintf("%q is not a valid ID", field)
				code = "uuid"
			case "gte":
				message = fmt.Sprintf("%q field must be greater than or equal %s. Got: %v",
					field, validationErr.Param(), validationErr.Value())
			case "lte":
				message = fmt.Sprintf("%q field must be less than or equal %s. Got: %v",
					field, validationErr.Param(), validationErr.Value())
			case "gt":
				message = fmt.Sprintf("%q field must be greater than %s. Got: %v",
					field, validationErr.Param(), validationErr.Value())
			case "max":
				message = fmt.Sprintf("%q cannot be longer than %s characters", field, validationErr.Param())
			default:
				log.WithField("tag", validationErr.Tag()).Warn("Encountered unknown validation field")
				message = fmt.Sprintf("%s is invalid", field)
				code = UnknownValidationTag
			}
			fieldErrors = append(fieldErrors, httptypes.FieldError{
				Field:   field,
				Message: message,
				Code:    code,
			})
		}
	}
	return fieldErrors
}
