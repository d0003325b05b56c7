// Package retry classifies transfer errors and retries transient ones.
//
// Network-class failures (connection resets, timeouts, 5xx responses,
// unavailable storage backends) are retried with capped exponential backoff.
// Every other error is returned immediately. With MaxAttempts set to zero the
// loop only ends when the operation succeeds, fails permanently, or ctx is done.
package retry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/aws/smithy-go"
	goretry "github.com/sethvargo/go-retry"
	"gocloud.dev/gcerrors"
)

// ErrTransient marks errors that callers classify as retryable.
// Wrap it to opt a custom error into the network class.
var ErrTransient = errors.New("transient failure")

// Options configures the retry loop.
type Options struct {
	// Backoff is the initial delay. Default: 500ms
	Backoff time.Duration

	// MaxBackoff caps the delay between attempts. Default: 30s
	MaxBackoff time.Duration

	// MaxAttempts bounds the number of attempts. Zero retries forever.
	MaxAttempts uint64

	// Logger receives one line per retried failure. Optional.
	Logger *slog.Logger

	// OnRetry is called before each backoff. Optional.
	OnRetry func(attempt int, err error)
}

// DefaultOptions returns unbounded retry with the default backoff.
func DefaultOptions() Options {
	return Options{
		Backoff:    500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
	}
}

func (o Options) backoff() goretry.Backoff {
	base := o.Backoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxBackoff := o.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	b := goretry.NewExponential(base)
	b = goretry.WithJitterPercent(25, b)
	b = goretry.WithCappedDuration(maxBackoff, b)
	if o.MaxAttempts > 0 {
		b = goretry.WithMaxRetries(o.MaxAttempts-1, b)
	}
	return b
}

// Do runs fn until it succeeds or returns a non-network error.
// op names the operation in log output.
func Do(ctx context.Context, opts Options, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return goretry.Do(ctx, opts.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsNetwork(err) {
			return err
		}
		if opts.Logger != nil {
			opts.Logger.Warn("retrying after network error", "op", op, "attempt", attempt, "error", err)
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
		return goretry.RetryableError(err)
	})
}

// IsNetwork reports whether err is a transient, network-class failure.
// Cancellation is never transient.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}

	// A *url.Error is itself a net.Error, so classify what it wraps.
	// Certificate and TLS failures, bad schemes and malformed URLs are
	// permanent.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return errors.Is(urlErr.Err, io.EOF) || isTransportFailure(urlErr.Err)
	}
	if isTransportFailure(err) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "RequestTimeTooSkewed", "InternalError", "ServiceUnavailable", "Throttling":
			return true
		}
		return false
	}

	switch gcerrors.Code(err) {
	case gcerrors.DeadlineExceeded, gcerrors.ResourceExhausted, gcerrors.Internal:
		return true
	}
	return false
}

// isTransportFailure reports whether err failed on the wire: a timeout, a
// failed dial or read, or a broken connection.
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var (
		certErr    *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		alertErr   tls.AlertError
		recordErr  tls.RecordHeaderError
	)
	if errors.As(err, &certErr) || errors.As(err, &unknownCA) || errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr) || errors.As(err, &alertErr) || errors.As(err, &recordErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
