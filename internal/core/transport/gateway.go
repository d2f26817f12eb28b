// Package transport issues timed, cancellable HTTP requests against the
// NVR, attaches session headers, classifies outcomes, and throttles after
// repeated failures via an error budget.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SessionSource supplies the current session material for outgoing
// requests and absorbs authentication failures observed on the wire.
type SessionSource interface {
	// SessionHeaders returns the current anti-forgery token and session
	// cookie; either may be empty before login completes.
	SessionHeaders() (csrfToken, cookie string)
	// InvalidateSession clears all session state after a 401.
	InvalidateSession()
}

// Outcome classifies the result of a gateway call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeThrottled
	OutcomeTimeout
	OutcomeTransportError
	OutcomeAuthFailure
	OutcomePrivilegeFailure
	OutcomeAPIError
)

// String returns a short label for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeTransportError:
		return "transport error"
	case OutcomeAuthFailure:
		return "authentication failure"
	case OutcomePrivilegeFailure:
		return "privilege failure"
	case OutcomeAPIError:
		return "api error"
	default:
		return "unknown"
	}
}

// Reply is the result of a gateway call. Status, Header and Body are only
// populated when a response was actually received.
type Reply struct {
	Outcome Outcome
	Status  int
	Header  http.Header
	Body    []byte
}

// OK reports whether the call classified as a success.
func (r *Reply) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// Decode unmarshals the response body into v.
func (r *Reply) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// SendOptions tunes a single gateway call. The zero value decodes and
// classifies the response and logs failures.
type SendOptions struct {
	// Raw skips status classification: the caller receives the raw status
	// and body and owns everything beyond network-level errors. Used by
	// the CSRF probe and the channel-update path, which need custom
	// status handling.
	Raw bool
	// Quiet suppresses error logging for expected failures.
	Quiet bool
}

// GatewayConfig holds gateway tuning knobs.
type GatewayConfig struct {
	// NVR identifies the controller in log output.
	NVR            string
	RequestTimeout time.Duration
	ErrorLimit     uint
	RetryInterval  time.Duration
}

// Gateway performs all HTTP traffic to the NVR on behalf of the client.
type Gateway struct {
	hc      *http.Client
	session SessionSource
	budget  *Budget
	timeout time.Duration
	nvr     string
	log     *slog.Logger
}

// NewGateway creates a gateway bound to the given session source.
//
// Certificate verification is disabled on purpose: these are local-network
// appliances with self-signed certificates. The trust decision is scoped
// to this client rather than hidden in global state.
func NewGateway(cfg GatewayConfig, session SessionSource, log *slog.Logger) *Gateway {
	return &Gateway{
		hc: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed appliance cert
			},
		},
		session: session,
		budget:  NewBudget(cfg.ErrorLimit, cfg.RetryInterval),
		timeout: cfg.RequestTimeout,
		nvr:     cfg.NVR,
		log:     log,
	}
}

// Send performs a single request against the NVR. It consults the error
// budget first (failing fast with no network I/O when throttled), attaches
// the current session headers and a fixed timeout, and classifies the
// result. Every call updates the error budget exactly once.
func (g *Gateway) Send(ctx context.Context, method, url string, body []byte, opts SendOptions) *Reply {
	if g.budget.ShouldThrottle(time.Now()) {
		if !opts.Quiet {
			g.log.Debug("throttling api call", "url", url, "nvr", g.nvr)
		}
		return &Reply{Outcome: OutcomeThrottled}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		g.budget.RecordOutcome(false, time.Now())
		if !opts.Quiet {
			g.log.Error("unable to build request", "url", url, "error", err, "nvr", g.nvr)
		}
		return &Reply{Outcome: OutcomeTransportError}
	}

	req.Header.Set("Content-Type", "application/json")
	if token, cookie := g.session.SessionHeaders(); token != "" || cookie != "" {
		if token != "" {
			req.Header.Set("X-CSRF-Token", token)
		}
		if cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}

	resp, err := g.hc.Do(req)
	if err != nil {
		g.budget.RecordOutcome(false, time.Now())
		outcome := OutcomeTransportError
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		}
		if !opts.Quiet {
			g.log.Error("api call failed", "url", url, "outcome", outcome.String(), "error", err, "nvr", g.nvr)
		}
		return &Reply{Outcome: outcome}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		g.budget.RecordOutcome(false, time.Now())
		if !opts.Quiet {
			g.log.Error("unable to read response body", "url", url, "error", err, "nvr", g.nvr)
		}
		return &Reply{Outcome: OutcomeTransportError}
	}

	reply := &Reply{Status: resp.StatusCode, Header: resp.Header, Body: data}

	if opts.Raw {
		// Network-level exchange succeeded; the caller owns the status.
		g.budget.RecordOutcome(true, time.Now())
		reply.Outcome = OutcomeSuccess
		return reply
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		reply.Outcome = OutcomeAuthFailure
		g.session.InvalidateSession()
	case resp.StatusCode == http.StatusForbidden:
		reply.Outcome = OutcomePrivilegeFailure
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		reply.Outcome = OutcomeAPIError
	default:
		reply.Outcome = OutcomeSuccess
	}

	g.budget.RecordOutcome(reply.OK(), time.Now())

	if !reply.OK() && !opts.Quiet {
		g.log.Error("api call failed", "url", url, "status", resp.StatusCode,
			"outcome", reply.Outcome.String(), "nvr", g.nvr)
	}
	return reply
}
