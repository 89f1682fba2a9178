package salebot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"telegram-gateway/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	r, err := registry.Open(t.TempDir() + "/registry.db")
	if err != nil {
		t.Fatalf("registry.Open() = %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// waitFor опрашивает условие до дедлайна: воркер доставляет асинхронно.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestNotifierDelivers(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	reg := newTestRegistry(t)
	n := New(upstream.URL, "alex_rumhelp_bot", reg)
	n.Start(context.Background())
	defer n.Stop()

	n.Enqueue("123456789", "https://t.me/+abcdef")

	select {
	case body := <-received:
		want := map[string]any{
			"message":     "send_invite_link",
			"user_id":     "123456789",
			"group_id":    "alex_rumhelp_bot",
			"tg_business": float64(1),
			"invite_link": "https://t.me/+abcdef",
		}
		for k, v := range want {
			if body[k] != v {
				t.Fatalf("payload[%q] = %#v, want %#v", k, body[k], v)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback not delivered")
	}

	// Успешная доставка ничего не пишет в failed_requests.
	if count, _ := reg.PendingFailedCount(context.Background()); count != 0 {
		t.Fatalf("PendingFailedCount() = %d, want 0", count)
	}
}

func TestNotifierPersistsFailure(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	reg := newTestRegistry(t)
	n := New(upstream.URL, "bot", reg)
	n.Start(context.Background())
	defer n.Stop()

	n.Enqueue("42", "https://t.me/+link")

	ctx := context.Background()
	waitFor(t, func() bool {
		count, _ := reg.PendingFailedCount(ctx)
		return count == 1
	})

	reqs, err := reg.FailedRequests(ctx, 10)
	if err != nil || len(reqs) != 1 {
		t.Fatalf("FailedRequests() = (%d rows, %v), want 1 row", len(reqs), err)
	}
	fr := reqs[0]
	if fr.Service != "salebot" || fr.Direction != "outbound" || fr.Endpoint != upstream.URL {
		t.Fatalf("saved row = %+v, want salebot/outbound/%s", fr, upstream.URL)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(fr.RequestPayload), &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["user_id"] != "42" {
		t.Fatalf(`payload user_id = %#v, want "42"`, payload["user_id"])
	}
}

func TestNotifierDrainsOnStop(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	n := New("http://127.0.0.1:1/unreachable", "bot", reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Очередь наполняется до старта: воркер с отменённым контекстом обязан
	// сохранить всё в реестр, а не потерять.
	n.Enqueue("1", "https://t.me/+a")
	n.Enqueue("2", "https://t.me/+b")

	n.Start(ctx)
	n.Stop()

	count, err := reg.PendingFailedCount(context.Background())
	if err != nil {
		t.Fatalf("PendingFailedCount() = %v", err)
	}
	if count != 2 {
		t.Fatalf("PendingFailedCount() after drain = %d, want 2", count)
	}
}
