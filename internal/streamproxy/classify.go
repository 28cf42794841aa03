package streamproxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// CodeConnectTimeout covers both the per-attempt timer firing and a context
// abort; the two are reported identically.
const CodeConnectTimeout = "CONNECT_TIMEOUT"

var retryableErrnos = []struct {
	errno syscall.Errno
	code  string
}{
	{syscall.ECONNRESET, "ECONNRESET"},
	{syscall.ECONNREFUSED, "ECONNREFUSED"},
	{syscall.ECONNABORTED, "ECONNABORTED"},
	{syscall.ETIMEDOUT, "ETIMEDOUT"},
	{syscall.EPIPE, "EPIPE"},
	{syscall.ENETUNREACH, "ENETUNREACH"},
	{syscall.EHOSTUNREACH, "EHOSTUNREACH"},
}

// classifyError maps a transport error to an error code, an operator-facing
// detail and whether another connection attempt may help.
func classifyError(err error, timedOut bool, timeout time.Duration) (code, detail string, retryable bool) {
	if timedOut || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if timeout > 0 {
			return CodeConnectTimeout, "Timed out waiting for backend stream response (" + timeout.String() + ").", true
		}
		return CodeConnectTimeout, "Timed out waiting for backend stream response.", true
	}

	detail = errorDetail(err)

	for _, known := range retryableErrnos {
		if errors.Is(err, known.errno) {
			return known.code, detail, true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "ENOTFOUND", detail, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT", detail, true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "ECONNRESET", detail, true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "FETCH_FAILED", detail, true
	}

	// Anything else the HTTP client reports for a sent request, such as a
	// malformed response, is a transport failure. URL parse errors are not.
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op != "parse" {
		return "FETCH_FAILED", detail, true
	}

	return "UNKNOWN", detail, false
}

func errorDetail(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "unknown error"
	}
	return msg
}
