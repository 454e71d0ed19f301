package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/abdul-hamid-achik/counselor/internal/config"
	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
)

// classify turns a vendor or transport error into a ProviderError.
// status is the HTTP status the vendor SDK reported, or 0 when unknown.
func classify(vendor config.Vendor, err error, status int) error {
	if err == nil {
		return nil
	}
	var ce *cerr.CounselorError
	if errors.As(err, &ce) && ce.Kind == cerr.KindProvider {
		return err
	}
	v := string(vendor)

	if errors.Is(err, context.DeadlineExceeded) {
		return cerr.ProviderTimeout(v, err)
	}
	if status != 0 {
		return cerr.ProviderFailure(v, retryableStatus(status), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return cerr.ProviderTimeout(v, err)
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return cerr.ProviderFailure(v, true, err)
	}
	return cerr.ProviderFailure(v, looksTransient(err.Error()), err)
}

// retryableStatus reports whether an HTTP status is worth another attempt.
func retryableStatus(status int) bool {
	switch {
	case status == 408, status == 409, status == 425, status == 429:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// looksTransient matches vendor messages that arrive without a status code.
func looksTransient(msg string) bool {
	msg = strings.ToLower(msg)
	for _, needle := range []string{
		"429", "rate limit", "rate_limit", "too many requests",
		"overloaded", "503", "502", "504", "service unavailable",
		"timeout", "timed out", "connection reset", "temporarily",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
