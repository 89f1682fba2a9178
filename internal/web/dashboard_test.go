package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/registry"
	"telegram-gateway/internal/telegram/pool"
)

const (
	testUser = "admin"
	testPass = "secret"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()

	acct := config.Account{
		Name:     "main",
		APIID:    1,
		APIHash:  "hash",
		Phone:    "+70000000001",
		Priority: 1,
		Sessions: map[string]string{"send_text": "main_text.session"},
	}
	env := config.EnvConfig{SessionDir: t.TempDir(), ThrottleRPS: 10}
	p, err := pool.New([]config.Account{acct}, env)
	if err != nil {
		t.Fatalf("pool.New() = %v", err)
	}
	return p
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	r, err := registry.Open(t.TempDir() + "/registry.db")
	if err != nil {
		t.Fatalf("registry.Open() = %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// newTestDashboard поднимает дашборд на httptest-сервере вместо порта 5099.
func newTestDashboard(t *testing.T) (*httptest.Server, *pool.Pool, *registry.Registry) {
	t.Helper()

	p := newTestPool(t)
	reg := newTestRegistry(t)
	srv := NewDashboard(p, reg, config.EnvConfig{MonitorUser: testUser, MonitorPass: testPass})

	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return ts, p, reg
}

func doJSON(t *testing.T, method, url, body string, auth bool) (int, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() = %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.SetBasicAuth(testUser, testPass)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() = %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestDashboardAuth(t *testing.T) {
	t.Parallel()

	ts, _, _ := newTestDashboard(t)

	// Без авторизации API закрыт.
	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("GET /api/status without auth = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, "Basic") {
		t.Fatalf("WWW-Authenticate = %q, want Basic challenge", got)
	}

	// Неверный пароль тоже 401.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.SetBasicAuth(testUser, "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("GET with wrong password = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	// /health публичный.
	code, body := doJSON(t, http.MethodGet, ts.URL+"/health", "", false)
	if code != http.StatusOK {
		t.Fatalf("GET /health = %d, want %d", code, http.StatusOK)
	}
	// Мост не запускался, пул не готов.
	if body["status"] != "not_ready" {
		t.Fatalf(`health status = %v, want "not_ready"`, body["status"])
	}
}

func TestDashboardStatus(t *testing.T) {
	t.Parallel()

	ts, _, reg := newTestDashboard(t)
	ctx := context.Background()

	if err := reg.Assign(ctx, "-1001", "main", "Сделка", ""); err != nil {
		t.Fatalf("Assign() = %v", err)
	}
	if err := reg.LogOperation(ctx, "main", "-1001", "send_text", "ok", ""); err != nil {
		t.Fatalf("LogOperation() = %v", err)
	}

	code, body := doJSON(t, http.MethodGet, ts.URL+"/api/status", "", true)
	if code != http.StatusOK {
		t.Fatalf("GET /api/status = %d, want %d", code, http.StatusOK)
	}
	if got := body["total_accounts"]; got != float64(1) {
		t.Fatalf("total_accounts = %v, want 1", got)
	}
	if got := body["healthy_accounts"]; got != float64(0) {
		t.Fatalf("healthy_accounts = %v, want 0", got)
	}
	if got := body["active_chats"]; got != float64(1) {
		t.Fatalf("active_chats = %v, want 1", got)
	}
	if got := body["total_operations"]; got != float64(1) {
		t.Fatalf("total_operations = %v, want 1", got)
	}
}

func TestDashboardChatsAndOperations(t *testing.T) {
	t.Parallel()

	ts, _, reg := newTestDashboard(t)
	ctx := context.Background()

	for _, chat := range []string{"-1001", "-1002", "-1003"} {
		if err := reg.Assign(ctx, chat, "main", "Чат "+chat, ""); err != nil {
			t.Fatalf("Assign(%s) = %v", chat, err)
		}
	}

	code, body := doJSON(t, http.MethodGet, ts.URL+"/api/chats?limit=2", "", true)
	if code != http.StatusOK {
		t.Fatalf("GET /api/chats = %d, want %d", code, http.StatusOK)
	}
	chats, ok := body["chats"].([]any)
	if !ok || len(chats) != 2 {
		t.Fatalf("chats = %#v, want 2 entries", body["chats"])
	}

	code, body = doJSON(t, http.MethodGet, ts.URL+"/api/operations", "", true)
	if code != http.StatusOK {
		t.Fatalf("GET /api/operations = %d, want %d", code, http.StatusOK)
	}
	if _, ok := body["operations"]; !ok {
		t.Fatalf("operations key missing in %#v", body)
	}
}

func TestDashboardControl(t *testing.T) {
	t.Parallel()

	ts, p, _ := newTestDashboard(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"unknownAction", `{"action":"explode"}`, http.StatusBadRequest},
		{"resetErrorsUnknownAccount", `{"action":"reset_errors","account":"ghost"}`, http.StatusBadRequest},
		{"resetErrorsOK", `{"action":"reset_errors","account":"main"}`, http.StatusOK},
		{"clearFloodNotInFlood", `{"action":"clear_flood","account":"main"}`, http.StatusBadRequest},
		{"badJSON", `{{{`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			code, _ := doJSON(t, http.MethodPost, ts.URL+"/api/control", tc.body, true)
			if code != tc.wantCode {
				t.Fatalf("POST /api/control %s = %d, want %d", tc.body, code, tc.wantCode)
			}
		})
	}

	// После MarkFlood команда clear_flood проходит.
	for _, b := range p.BridgesOf("main") {
		b.Health().MarkFlood(600)
	}
	code, _ := doJSON(t, http.MethodPost, ts.URL+"/api/control",
		`{"action":"clear_flood","account":"main"}`, true)
	if code != http.StatusOK {
		t.Fatalf("clear_flood after MarkFlood = %d, want %d", code, http.StatusOK)
	}
}

func TestDashboardFailedRequestLifecycle(t *testing.T) {
	t.Parallel()

	ts, _, reg := newTestDashboard(t)
	ctx := context.Background()

	// Стаб внешнего колбэка: первый повтор падает, второй проходит.
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer upstream.Close()

	payload := []byte(`{"message":"send_invite_link","user_id":42}`)
	if err := reg.SaveFailedRequest(ctx, "salebot", "outbound", upstream.URL, payload, "connection refused"); err != nil {
		t.Fatalf("SaveFailedRequest() = %v", err)
	}

	code, body := doJSON(t, http.MethodGet, ts.URL+"/api/failed_requests", "", true)
	if code != http.StatusOK {
		t.Fatalf("GET /api/failed_requests = %d, want %d", code, http.StatusOK)
	}
	reqs, ok := body["failed_requests"].([]any)
	if !ok || len(reqs) != 1 {
		t.Fatalf("failed_requests = %#v, want 1 entry", body["failed_requests"])
	}
	row := reqs[0].(map[string]any)
	id := int64(row["id"].(float64))
	if body["pending"] != float64(1) {
		t.Fatalf("pending = %v, want 1", body["pending"])
	}

	// Первый повтор: бэкенд отвечает 502, запись остаётся pending.
	code, body = doJSON(t, http.MethodPost, ts.URL+"/api/failed_requests/retry",
		`{"id":`+strconv.FormatInt(id, 10)+`}`, true)
	if code != http.StatusBadGateway {
		t.Fatalf("retry #1 = %d, want %d", code, http.StatusBadGateway)
	}
	if body["status"] != "error" {
		t.Fatalf(`retry #1 status = %v, want "error"`, body["status"])
	}

	fr, err := reg.FailedRequestByID(ctx, id)
	if err != nil || fr == nil {
		t.Fatalf("FailedRequestByID() = (%v, %v)", fr, err)
	}
	if fr.Status != "pending" || fr.RetryCount != 1 {
		t.Fatalf("after retry #1: status=%q retry_count=%d, want pending/1", fr.Status, fr.RetryCount)
	}

	// Второй повтор: успех, запись закрыта.
	code, body = doJSON(t, http.MethodPost, ts.URL+"/api/failed_requests/retry",
		`{"id":`+strconv.FormatInt(id, 10)+`}`, true)
	if code != http.StatusOK {
		t.Fatalf("retry #2 = %d, want %d", code, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Fatalf(`retry #2 status = %v, want "ok"`, body["status"])
	}

	fr, err = reg.FailedRequestByID(ctx, id)
	if err != nil || fr == nil {
		t.Fatalf("FailedRequestByID() = (%v, %v)", fr, err)
	}
	if fr.Status != "retried" || fr.RetryCount != 2 {
		t.Fatalf("after retry #2: status=%q retry_count=%d, want retried/2", fr.Status, fr.RetryCount)
	}

	if got := calls.Load(); got != 2 {
		t.Fatalf("upstream calls = %d, want 2", got)
	}

	// Удаление: первый раз ок, второй — 404.
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/failed_requests/delete",
		`{"id":`+strconv.FormatInt(id, 10)+`}`, true)
	if code != http.StatusOK {
		t.Fatalf("delete = %d, want %d", code, http.StatusOK)
	}
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/api/failed_requests/delete",
		`{"id":`+strconv.FormatInt(id, 10)+`}`, true)
	if code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want %d", code, http.StatusNotFound)
	}
}

func TestDashboardRetryUnknownID(t *testing.T) {
	t.Parallel()

	ts, _, _ := newTestDashboard(t)

	code, _ := doJSON(t, http.MethodPost, ts.URL+"/api/failed_requests/retry", `{"id":9999}`, true)
	if code != http.StatusNotFound {
		t.Fatalf("retry unknown id = %d, want %d", code, http.StatusNotFound)
	}
}
