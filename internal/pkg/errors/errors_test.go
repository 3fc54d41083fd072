package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestIsTransientConnectionRefused(t *testing.T) {
	client := &http.Client{Timeout: 2 * time.Second}
	_, err := client.Get("http://" + closedAddr(t) + "/v1/chat/completions")
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.True(t, IsTransient(fmt.Errorf("call model: %w", err)))
}

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"provider unavailable", fmt.Errorf("x: %w", ErrProviderUnavailable), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.groq.invalid", IsNotFound: true}, true},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("network is unreachable")}, true},
		{"reset", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, true},
		{"invalid", ErrInvalid, false},
		{"plain", errors.New("bad request"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
