package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSession struct {
	token       string
	cookie      string
	invalidated atomic.Int32
}

func (f *fakeSession) SessionHeaders() (string, string) { return f.token, f.cookie }
func (f *fakeSession) InvalidateSession()               { f.invalidated.Add(1) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(session SessionSource, limit uint) *Gateway {
	return NewGateway(GatewayConfig{
		NVR:            "test-nvr",
		RequestTimeout: time.Second,
		ErrorLimit:     limit,
		RetryInterval:  time.Hour,
	}, session, testLogger())
}

func TestGateway_AttachesSessionHeaders(t *testing.T) {
	var gotToken, gotCookie, gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-CSRF-Token")
		gotCookie = r.Header.Get("Cookie")
		gotContent = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	session := &fakeSession{token: "tok-1", cookie: "TOKEN=abc"}
	g := newTestGateway(session, 10)

	reply := g.Send(context.Background(), http.MethodGet, srv.URL+"/x", nil, SendOptions{})
	if !reply.OK() {
		t.Fatalf("expected success, got %v", reply.Outcome)
	}
	if gotToken != "tok-1" || gotCookie != "TOKEN=abc" {
		t.Errorf("session headers not attached: token=%q cookie=%q", gotToken, gotCookie)
	}
	if gotContent != "application/json" {
		t.Errorf("expected JSON content type, got %q", gotContent)
	}
}

func TestGateway_Classification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		want        Outcome
		invalidated int32
	}{
		{"Success", http.StatusOK, OutcomeSuccess, 0},
		{"Created", http.StatusCreated, OutcomeSuccess, 0},
		{"AuthFailure", http.StatusUnauthorized, OutcomeAuthFailure, 1},
		{"PrivilegeFailure", http.StatusForbidden, OutcomePrivilegeFailure, 0},
		{"GenericAPIError", http.StatusInternalServerError, OutcomeAPIError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			session := &fakeSession{}
			g := newTestGateway(session, 10)

			reply := g.Send(context.Background(), http.MethodGet, srv.URL, nil, SendOptions{})
			if reply.Outcome != tt.want {
				t.Errorf("expected outcome %v, got %v", tt.want, reply.Outcome)
			}
			if got := session.invalidated.Load(); got != tt.invalidated {
				t.Errorf("expected %d session invalidations, got %d", tt.invalidated, got)
			}
		})
	}
}

func TestGateway_RawSkipsClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-CSRF-Token", "fresh")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	session := &fakeSession{}
	g := newTestGateway(session, 10)

	reply := g.Send(context.Background(), http.MethodGet, srv.URL, nil, SendOptions{Raw: true})
	if !reply.OK() {
		t.Fatalf("raw exchange should classify as success, got %v", reply.Outcome)
	}
	if reply.Status != http.StatusUnauthorized {
		t.Errorf("raw status should pass through, got %d", reply.Status)
	}
	if reply.Header.Get("X-CSRF-Token") != "fresh" {
		t.Error("raw reply should expose response headers")
	}
	if session.invalidated.Load() != 0 {
		t.Error("raw 401 must not invalidate the session")
	}
}

func TestGateway_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{
		RequestTimeout: 50 * time.Millisecond,
		ErrorLimit:     10,
		RetryInterval:  time.Hour,
	}, &fakeSession{}, testLogger())

	start := time.Now()
	reply := g.Send(context.Background(), http.MethodGet, srv.URL, nil, SendOptions{})
	if reply.Outcome != OutcomeTimeout {
		t.Fatalf("expected timeout outcome, got %v", reply.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout did not cancel the in-flight call promptly (%v)", elapsed)
	}
}

func TestGateway_ThrottleShortCircuits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := newTestGateway(&fakeSession{}, 2)

	// Two consecutive failures reach the limit.
	for i := 0; i < 2; i++ {
		if reply := g.Send(context.Background(), http.MethodGet, srv.URL, nil, SendOptions{Quiet: true}); reply.Outcome != OutcomeAPIError {
			t.Fatalf("expected api error, got %v", reply.Outcome)
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 requests on the wire, got %d", hits.Load())
	}

	// Throttled: no network I/O.
	reply := g.Send(context.Background(), http.MethodGet, srv.URL, nil, SendOptions{Quiet: true})
	if reply.Outcome != OutcomeThrottled {
		t.Fatalf("expected throttled outcome, got %v", reply.Outcome)
	}
	if hits.Load() != 2 {
		t.Fatalf("throttled call must not hit the network, got %d hits", hits.Load())
	}
}

func TestGateway_TransportError(t *testing.T) {
	g := newTestGateway(&fakeSession{}, 10)

	// Nothing listens here.
	reply := g.Send(context.Background(), http.MethodGet, "http://127.0.0.1:1", nil, SendOptions{Quiet: true})
	if reply.Outcome != OutcomeTransportError {
		t.Fatalf("expected transport error, got %v", reply.Outcome)
	}
}
