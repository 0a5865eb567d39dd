package broker

import (
	"context"
	"net/http/httptest"
	"testing"
)

// newTestClient spins up the broker HTTP API on an httptest server and
// returns an HTTPClient pointed at it.
func newTestClient(t *testing.T, b *Broker) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(Handler(b))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(srv.URL)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return c
}

func TestHTTPClient_LockCommitStatus(t *testing.T) {
	c := newTestClient(t, New(1000))
	ctx := context.Background()

	res, err := c.Lock(ctx, "app", 400)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("lock denied: reason=%q", res.Reason)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.LockedTokens != 400 {
		t.Errorf("locked = %d, want 400", st.LockedTokens)
	}

	if err := c.Commit(ctx, "app", res.RequestID, 150, 50); err != nil {
		t.Fatalf("commit: %v", err)
	}
	st, err = c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.UsedTokens != 200 || st.LockedTokens != 0 {
		t.Errorf("after commit: used=%d locked=%d, want 200/0", st.UsedTokens, st.LockedTokens)
	}
}

func TestHTTPClient_DenialReasonPreserved(t *testing.T) {
	c := newTestClient(t, New(100))
	ctx := context.Background()

	// Oversized: reason must survive the wire untouched.
	res, err := c.Lock(ctx, "app", 200)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if res.Allowed {
		t.Fatal("oversized lock admitted")
	}
	if res.Reason != ReasonTokenLimit {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonTokenLimit)
	}

	// Exhaust the window, then check the rate-limit reason.
	if res, err = c.Lock(ctx, "app", 90); err != nil || !res.Allowed {
		t.Fatalf("fill lock: allowed=%v err=%v", res.Allowed, err)
	}
	res, err = c.Lock(ctx, "app", 90)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if res.Reason != ReasonRateLimit {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonRateLimit)
	}
}

func TestHTTPClient_Release(t *testing.T) {
	c := newTestClient(t, New(100))
	ctx := context.Background()

	res, err := c.Lock(ctx, "app", 100)
	if err != nil || !res.Allowed {
		t.Fatalf("lock: allowed=%v err=%v", res.Allowed, err)
	}
	if err := c.Release(ctx, "app", res.RequestID); err != nil {
		t.Fatalf("release: %v", err)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.LockedTokens != 0 {
		t.Errorf("locked after release = %d, want 0", st.LockedTokens)
	}
}

func TestLocalClient_MatchesBroker(t *testing.T) {
	b := New(100)
	c := NewLocalClient(b)
	ctx := context.Background()

	res, err := c.Lock(ctx, "app", 40)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("lock denied: %q", res.Reason)
	}
	if err := c.Commit(ctx, "app", res.RequestID, 20, 10); err != nil {
		t.Fatalf("commit: %v", err)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.UsedTokens != 30 {
		t.Errorf("used = %d, want 30", st.UsedTokens)
	}
}
