// Package retry retries HTTP calls that failed for a reason that may clear
// up within the same call: an attempt timeout or a 5xx response.
//
// Client errors (4xx, including 401) and the absence of a network path
// (unreachable host, DNS failure, connection refused) are returned after the
// first attempt. The caller's own cancellation is never retried.
package retry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

// Policy configures attempts and backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration
	// Multiplier grows the wait between consecutive attempts.
	Multiplier float64
	// AttemptTimeout bounds each attempt independently of the others.
	AttemptTimeout time.Duration
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns 3 attempts with 1s, 2s backoff and a 30s per-attempt
// timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		Multiplier:     2,
		AttemptTimeout: 30 * time.Second,
		Sleep:          SleepContext,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Sleep == nil {
		p.Sleep = def.Sleep
	}
	return p
}

// SleepContext sleeps for d unless ctx is done first.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Transport is an http.RoundTripper that applies a Policy.
type Transport struct {
	// Base is the underlying transport. nil means http.DefaultTransport.
	Base   http.RoundTripper
	Policy Policy
	// Logger receives one line per retried attempt. nil discards.
	Logger *log.Logger
}

// NewTransport wraps base with the policy.
func NewTransport(base http.RoundTripper, policy Policy, logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.New(os.Stderr, "[retry] ", log.LstdFlags)
	}
	return &Transport{Base: base, Policy: policy.withDefaults(), Logger: logger}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	policy := t.Policy.withDefaults()
	logger := t.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	parent := req.Context()

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil && policy.MaxAttempts > 1 {
		// The body cannot be replayed; a single attempt is all we can do.
		policy.MaxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		attemptReq, cancel, err := t.prepare(req, attempt, policy)
		if err != nil {
			return nil, err
		}

		resp, err := t.base().RoundTrip(attemptReq)
		retryable := false
		switch {
		case err != nil:
			cancel()
			if parent.Err() != nil {
				return nil, parent.Err()
			}
			retryable = IsTimeout(err)
		case resp.StatusCode >= 500:
			retryable = true
		}

		if !retryable || attempt >= policy.MaxAttempts {
			if err != nil {
				return nil, err
			}
			resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}

		if err != nil {
			logger.Printf("attempt %d/%d %s %s failed: %v", attempt, policy.MaxAttempts, req.Method, req.URL.Path, err)
		} else {
			logger.Printf("attempt %d/%d %s %s returned %d", attempt, policy.MaxAttempts, req.Method, req.URL.Path, resp.StatusCode)
			drain(resp.Body)
			cancel()
		}

		if err := policy.Sleep(parent, policy.Backoff(attempt)); err != nil {
			return nil, err
		}
	}
}

// prepare clones req for one attempt with its own deadline and a fresh body.
func (t *Transport) prepare(req *http.Request, attempt int, policy Policy) (*http.Request, context.CancelFunc, error) {
	ctx, cancel := req.Context(), context.CancelFunc(func() {})
	if policy.AttemptTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
	}

	out := req.Clone(ctx)
	if attempt > 1 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		out.Body = body
	}
	return out, cancel, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// cancelBody releases the attempt context once the caller closes the body.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// IsTimeout reports whether err is a transport-level timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsUnreachable reports whether err means there is no network path to the
// server: DNS failure, refused connection or unreachable host/network.
func IsUnreachable(err error) bool {
	if err == nil || IsTimeout(err) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// IsTLS reports whether err is a TLS handshake or certificate failure.
func IsTLS(err error) bool {
	if err == nil {
		return false
	}
	var (
		certErr     *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
		alertErr    tls.AlertError
	)
	return errors.As(err, &certErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &alertErr)
}
