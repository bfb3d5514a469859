// Package apierr defines the error taxonomy surfaced to API clients and its
// mapping onto HTTP status codes.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind names one client-visible failure class.
type Kind string

const (
	KindValidation       Kind = "ValidationError"
	KindSessionNotFound  Kind = "SessionNotFound"
	KindNoHealthyBackend Kind = "NoHealthyBackend"
	KindBackendError     Kind = "BackendError"
	KindTimeout          Kind = "Timeout"
	KindOverloaded       Kind = "Overloaded"
	KindInternal         Kind = "InternalError"
)

// Status maps a kind to its HTTP status code.
func Status(k Kind) int {
	switch k {
	case KindValidation:
		return fasthttp.StatusBadRequest
	case KindSessionNotFound:
		return fasthttp.StatusNotFound
	case KindNoHealthyBackend, KindOverloaded:
		return fasthttp.StatusServiceUnavailable
	case KindBackendError:
		return fasthttp.StatusBadGateway
	case KindTimeout:
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusInternalServerError
	}
}

// E is a classified error carrying the client-visible message.
type E struct {
	Kind    Kind
	Message string
}

func (e *E) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a classified error.
func New(k Kind, format string, args ...any) *E {
	return &E{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, defaulting to InternalError for
// anything unclassified.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the client-visible message for err. Unclassified errors
// surface a generic message so internals never leak to callers.
func Message(err error) string {
	var e *E
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

type envelope struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message"`
	ErrorKind    string `json:"error_kind"`
}

// Write writes err as the standard failure envelope with the kind's status.
func Write(ctx *fasthttp.RequestCtx, err error) {
	kind := KindOf(err)
	ctx.SetStatusCode(Status(kind))
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{
		Success:      false,
		ErrorMessage: Message(err),
		ErrorKind:    string(kind),
	})
	ctx.SetBody(body)
}
