// Package httptypes holds the types shared between the API and its clients
package httptypes

import (
	"fmt"
)

type StandardError struct {
	Message string       `json:"message"`
	Code    string       `json:"code"`
	Fields  []FieldError `json:"fields"`
}

// StandardErrorResponse is the standard type that all error responses from our API should conform to
type StandardErrorResponse struct {
	ErrorField StandardError `json:"error"`
}

func (s StandardErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s", s.ErrorField.Code, s.ErrorField.Message)
}

// Is compares error codes with other responses, and with anything else
// that has a code
func (s StandardErrorResponse) Is(err error) bool {
	switch other := err.(type) {
	case StandardErrorResponse:
		return other.ErrorField.Code == s.ErrorField.Code
	case interface{ Code() string }:
		return other.Code() == s.ErrorField.Code
	}
	return s.Error() == err.Error()
}

// FieldError is the type for a request field validation error message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Pagination is accepted as query parameters by all list endpoints
type Pagination struct {
	Limit  int `form:"limit" binding:"gte=0,lte=1000"`
	Offset int `form:"offset" binding:"gte=0"`
}
