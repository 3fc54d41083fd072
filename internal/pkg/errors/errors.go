package errors

import (
	"context"
	"errors"
	"net"
	"syscall"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalid             = errors.New("invalid")
	ErrTooMany             = errors.New("too many requests")
	ErrInternal            = errors.New("internal")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrUnsupportedFormat   = errors.New("unsupported format")
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrLoopBoundExceeded   = errors.New("tool loop bound exceeded")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}

type temporary interface {
	Temporary() bool
}

// IsTransient reports whether err is worth retrying. Caller cancellation is
// never transient; unreachable upstreams, timeouts and throttling are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrProviderUnavailable) || isConnectionFailure(err) {
		return true
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// isConnectionFailure matches errors raised before a response was read:
// failed dials, name resolution and connections torn down by the peer.
// Checked ahead of Temporary(), which url.Error answers false for them.
func isConnectionFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
