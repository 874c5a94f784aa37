package auth

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ts(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"agent_id":"edge-a"}`)
	sig := Sign("secret", body, ts(now))

	if !Verify("secret", body, ts(now), sig, DefaultSkew, now) {
		t.Fatal("valid signature rejected")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	body := []byte(`{"agent_id":"edge-a"}`)
	sig := Sign("secret", body, ts(now))

	if Verify("secret", []byte(`{"agent_id":"edge-b"}`), ts(now), sig, DefaultSkew, now) {
		t.Fatal("tampered body accepted")
	}
	if Verify("other-secret", body, ts(now), sig, DefaultSkew, now) {
		t.Fatal("wrong secret accepted")
	}
	if Verify("secret", body, ts(now.Add(time.Second)), sig, DefaultSkew, now) {
		t.Fatal("timestamp not bound to signature")
	}
}

func TestVerifyRejectsStale(t *testing.T) {
	body := []byte(`{}`)
	old := now.Add(-DefaultSkew - time.Second)
	sig := Sign("secret", body, ts(old))

	if Verify("secret", body, ts(old), sig, DefaultSkew, now) {
		t.Fatal("stale request accepted")
	}

	// Future-dated requests are just as invalid.
	future := now.Add(DefaultSkew + time.Second)
	sig = Sign("secret", body, ts(future))
	if Verify("secret", body, ts(future), sig, DefaultSkew, now) {
		t.Fatal("future-dated request accepted")
	}
}

func TestVerifyRejectsBadTimestamp(t *testing.T) {
	if Verify("secret", []byte(`{}`), "not-a-number", "sig", DefaultSkew, now) {
		t.Fatal("unparseable timestamp accepted")
	}
}

func TestVerifyEmptySecretAcceptsAll(t *testing.T) {
	if !Verify("", []byte(`{}`), "", "", DefaultSkew, now) {
		t.Fatal("empty secret must disable verification")
	}
}

func TestMiddleware(t *testing.T) {
	var gotBody []byte
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	})
	handler := Middleware("secret")(next)

	body := []byte(`{"agent_id":"edge-a"}`)
	tsNow := ts(time.Now())

	req := httptest.NewRequest(http.MethodPost, "/v1/outbox/enqueue", bytes.NewReader(body))
	req.Header.Set(HeaderTimestamp, tsNow)
	req.Header.Set(HeaderSignature, Sign("secret", body, tsNow))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatal("handler must see the original body after verification")
	}

	// Missing signature.
	req = httptest.NewRequest(http.MethodPost, "/v1/outbox/enqueue", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	// Wrong signature.
	req = httptest.NewRequest(http.MethodPost, "/v1/outbox/enqueue", bytes.NewReader(body))
	req.Header.Set(HeaderTimestamp, tsNow)
	req.Header.Set(HeaderSignature, "deadbeef")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimitMiddleware(1, 2)(next)

	statuses := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Fatalf("burst requests = %v, first two should pass", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", statuses[2])
	}

	// A different remote has its own budget.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other remote = %d, want 200", rec.Code)
	}
}
