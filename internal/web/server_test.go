package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/registry"
	"telegram-gateway/internal/services"
)

func TestServiceServerRouting(t *testing.T) {
	t.Parallel()

	plat := &services.Platform{Pool: newTestPool(t), Registry: newTestRegistry(t)}

	var desc services.Descriptor
	for _, d := range plat.Descriptors() {
		if d.Name == "send_text" {
			desc = d
		}
	}
	if desc.Name == "" {
		t.Fatal("send_text descriptor not found")
	}

	srv := NewServiceServer(plat, desc)
	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	// GET на основной роут запрещён.
	resp, err := http.Get(ts.URL + "/send_text")
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /send_text = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}

	// Валидация тела срабатывает до обращения к пулу.
	code, body := doJSON(t, http.MethodPost, ts.URL+"/send_text", `{"text":"привет"}`, false)
	if code != http.StatusBadRequest {
		t.Fatalf("POST without chat = %d, want %d", code, http.StatusBadRequest)
	}
	if body["error"] != "chat is required" {
		t.Fatalf(`error = %v, want "chat is required"`, body["error"])
	}

	// Мост не запущен: health отвечает 200, но not_ready.
	code, body = doJSON(t, http.MethodGet, ts.URL+"/health", "", false)
	if code != http.StatusOK {
		t.Fatalf("GET /health = %d, want %d", code, http.StatusOK)
	}
	if body["status"] != "not_ready" {
		t.Fatalf(`health status = %v, want "not_ready"`, body["status"])
	}

	// Для send_text открыт /stats.
	code, body = doJSON(t, http.MethodGet, ts.URL+"/stats", "", false)
	if code != http.StatusOK {
		t.Fatalf("GET /stats = %d, want %d", code, http.StatusOK)
	}
	if _, ok := body["cache_size"]; !ok {
		t.Fatalf("stats body missing cache_size: %#v", body)
	}
}

func TestLeaveChatServerHasNoStats(t *testing.T) {
	t.Parallel()

	plat := &services.Platform{Pool: newTestPool(t), Registry: newTestRegistry(t)}

	var desc services.Descriptor
	for _, d := range plat.Descriptors() {
		if d.Name == "leave_chat" {
			desc = d
		}
	}
	srv := NewServiceServer(plat, desc)
	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /stats on leave_chat = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestReplayTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fr      registry.FailedRequest
		want    string
		wantErr bool
	}{
		{
			name: "inboundSendText",
			fr:   registry.FailedRequest{Service: "send_text", Direction: "inbound", Endpoint: "/send_text"},
			want: "http://127.0.0.1:5022/send_text",
		},
		{
			name: "inboundNoSlash",
			fr:   registry.FailedRequest{Service: "create_chat", Direction: "inbound", Endpoint: "create_chat"},
			want: "http://127.0.0.1:5021/create_chat",
		},
		{
			name: "outboundURL",
			fr:   registry.FailedRequest{Service: "salebot", Direction: "outbound", Endpoint: "https://example.com/callback"},
			want: "https://example.com/callback",
		},
		{
			name:    "outboundWithoutURL",
			fr:      registry.FailedRequest{Service: "salebot", Direction: "outbound", Endpoint: "/callback"},
			wantErr: true,
		},
		{
			name:    "unknownService",
			fr:      registry.FailedRequest{Service: "mystery", Direction: "inbound", Endpoint: "/x"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := replayTarget(&tc.fr)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("replayTarget() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("replayTarget() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("replayTarget() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLimitParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"absent", "", 100},
		{"valid", "limit=25", 25},
		{"zero", "limit=0", 100},
		{"negative", "limit=-5", 100},
		{"garbage", "limit=abc", 100},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/api/chats?"+tc.query, nil)
			if got := limitParam(r, 100); got != tc.want {
				t.Fatalf("limitParam(%q) = %d, want %d", tc.query, got, tc.want)
			}
		})
	}
}

func TestReplayBody(t *testing.T) {
	t.Parallel()

	if got := replayBody(nil); got != nil {
		t.Fatalf("replayBody(nil) = %#v, want nil", got)
	}
	if got, ok := replayBody([]byte(`{"a":1}`)).(json.RawMessage); !ok || string(got) != `{"a":1}` {
		t.Fatalf("replayBody(json) = %#v, want raw JSON passthrough", got)
	}
	if got, ok := replayBody([]byte("plain text")).(string); !ok || got != "plain text" {
		t.Fatalf("replayBody(plain) = %#v, want string", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate(short) = %q", got)
	}
	long := strings.Repeat("x", 600)
	got := truncate(long, 500)
	if len(got) != 503 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate(long) len = %d, want 503 with ellipsis", len(got))
	}
}

func TestServicePortCoversAllServices(t *testing.T) {
	t.Parallel()

	for _, name := range config.ServiceNames() {
		if _, ok := servicePort(name); !ok {
			t.Fatalf("servicePort(%q) not mapped", name)
		}
	}
	if _, ok := servicePort("dashboard"); ok {
		t.Fatal("servicePort(dashboard) should not be mapped")
	}
}
