package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/imTariful/LLM-evaluation/internal/observability"
)

// Kind classifies a provider failure for routing decisions.
type Kind string

const (
	KindRateLimited    Kind = "rate_limited"
	KindTimeout        Kind = "timeout"
	KindInvalidRequest Kind = "invalid_request"
	KindUnavailable    Kind = "unavailable"
	KindUnknown        Kind = "unknown"
)

// ProviderError is the only error type adapters return from Invoke.
type ProviderError struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	base := e.Provider + " error"
	if e.StatusCode > 0 {
		base += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	base += " [" + string(e.Kind) + "]"
	if e.Message != "" {
		base += ": " + e.Message
	}
	if e.Err != nil {
		base += ": " + e.Err.Error()
	}
	return observability.ScrubCredentials(base)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or KindUnknown when err is not a
// ProviderError.
func KindOf(err error) Kind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnknown
}

// KindForStatus maps an HTTP status code to a Kind. Auth failures are
// treated as unavailable so the chain moves on to the next backend.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUnavailable
	case status >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

func statusError(provider string, status int, message string, err error) *ProviderError {
	return &ProviderError{
		Kind:       KindForStatus(status),
		Provider:   provider,
		StatusCode: status,
		Message:    strings.TrimSpace(message),
		Err:        err,
	}
}

// classifyTransportError handles failures that carry no HTTP status.
func classifyTransportError(provider string, err error) *ProviderError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}

	kind := KindUnknown
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindUnknown
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		kind = KindUnavailable
	default:
		var opErr *net.OpError
		var dnsErr *net.DNSError
		if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
			kind = KindUnavailable
		}
	}
	return &ProviderError{Kind: kind, Provider: provider, Message: "request failed", Err: err}
}
