package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/registry"
	"telegram-gateway/internal/telegram/pool"
)

const (
	queryTimeOut   = 5 * time.Second
	controlTimeOut = 120 * time.Second

	// Повтор входящего запроса ходит через сервисный порт и может ждать
	// столько же, сколько сам сервис (до 180 секунд на альбом).
	replayTimeOut = 190 * time.Second

	// Хвост журналов по умолчанию.
	defaultChatsLimit     = 200
	defaultOpsLimit       = 100
	defaultFailoversLimit = 50
	defaultFailedLimit    = 200
)

// Dashboard — административный JSON API поверх пула и реестра: статусы
// аккаунтов, журналы, ручное управление и повтор неудачных запросов.
type Dashboard struct {
	pool   *pool.Pool
	reg    *registry.Registry
	client *http.Client
}

// NewDashboard собирает сервер дашборда на фиксированном порту 5099.
// Все /api-роуты закрыты basic-auth, /health публичный.
func NewDashboard(p *pool.Pool, reg *registry.Registry, env config.EnvConfig) *Server {
	d := &Dashboard{
		pool:   p,
		reg:    reg,
		client: &http.Client{Timeout: replayTimeOut},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)

	protected := http.NewServeMux()
	protected.HandleFunc("/api/accounts", d.handleAccounts)
	protected.HandleFunc("/api/status", d.handleStatus)
	protected.HandleFunc("/api/chats", d.handleChats)
	protected.HandleFunc("/api/operations", d.handleOperations)
	protected.HandleFunc("/api/failovers", d.handleFailovers)
	protected.HandleFunc("/api/failed_requests", d.handleFailedRequests)
	protected.HandleFunc("/api/failed_requests/retry", d.handleFailedRetry)
	protected.HandleFunc("/api/failed_requests/delete", d.handleFailedDelete)
	protected.HandleFunc("/api/control", d.handleControl)

	mux.Handle("/", basicAuth(env.MonitorUser, env.MonitorPass, protected))

	return newServer("dashboard", config.PortDashboard, mux)
}

// handleHealth: дашборд жив, пока жив хотя бы один мост любой роли.
func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "not_ready"
	for _, service := range config.ServiceNames() {
		if _, ok := d.pool.Best(service); ok {
			status = "ok"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

// handleAccounts возвращает снимки всех мостов, сгруппированные по ролям,
// плюс сводки реестра: последняя активность и счётчики за сутки. Сбой запроса
// к реестру не валит ответ, снимки мостов важнее.
func (d *Dashboard) handleAccounts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeOut)
	defer cancel()

	resp := map[string]any{"accounts": d.pool.AllSnapshots()}
	if times, err := d.reg.LastActiveTimes(ctx); err != nil {
		logger.Warnf("Dashboard last active times failed: %v", err)
	} else if len(times) > 0 {
		resp["last_active"] = times
	}
	if day, err := d.reg.AccountDayStats(ctx); err != nil {
		logger.Warnf("Dashboard day stats failed: %v", err)
	} else if len(day) > 0 {
		resp["day_stats"] = day
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus — общая сводка: живые аккаунты плюс агрегаты реестра.
func (d *Dashboard) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeOut)
	defer cancel()

	var healthy, total int
	for _, snaps := range d.pool.AllSnapshots() {
		for _, s := range snaps {
			total++
			if s.IsHealthy {
				healthy++
			}
		}
	}

	stats, err := d.reg.CollectStats(ctx)
	if err != nil {
		logger.Errorf("Dashboard stats failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	pending, err := d.reg.PendingFailedCount(ctx)
	if err != nil {
		logger.Warnf("Pending failed count failed: %v", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"healthy_accounts":        healthy,
		"total_accounts":          total,
		"active_chats":            stats.ActiveChats,
		"total_operations":        stats.TotalOperations,
		"total_errors":            stats.TotalErrors,
		"total_failovers":         stats.TotalFailovers,
		"pending_failed_requests": pending,
	})
}

// handleChats возвращает привязки чатов к аккаунтам.
func (d *Dashboard) handleChats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeOut)
	defer cancel()

	chats, err := d.reg.Assignments(ctx, limitParam(r, defaultChatsLimit))
	if err != nil {
		logger.Errorf("Dashboard chats failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// handleOperations возвращает хвост журнала операций.
func (d *Dashboard) handleOperations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeOut)
	defer cancel()

	ops, err := d.reg.RecentOperations(ctx, limitParam(r, defaultOpsLimit))
	if err != nil {
		logger.Errorf("Dashboard operations failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	resp := map[string]any{"operations": ops}
	ids := distinctChatIDs(ops, func(op registry.Operation) string { return op.ChatID })
	if titles := d.chatTitles(ctx, ids); len(titles) > 0 {
		resp["titles"] = titles
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFailovers возвращает хвост журнала фейловеров.
func (d *Dashboard) handleFailovers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeOut)
	defer cancel()

	fos, err := d.reg.FailoverEvents(ctx, limitParam(r, defaultFailoversLimit))
	if err != nil {
		logger.Errorf("Dashboard failovers failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failovers": fos})
}

// handleFailedRequests возвращает очередь неудачных запросов.
func (d *Dashboard) handleFailedRequests(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeOut)
	defer cancel()

	reqs, err := d.reg.FailedRequests(ctx, limitParam(r, defaultFailedLimit))
	if err != nil {
		logger.Errorf("Dashboard failed requests failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	pending, err := d.reg.PendingFailedCount(ctx)
	if err != nil {
		logger.Warnf("Pending failed count failed: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed_requests": reqs, "pending": pending})
}

// === Управление ==============================================================

type controlRequest struct {
	Action  string `json:"action"`
	Account string `json:"account"`
}

// handleControl выполняет административные действия над пулом:
// reload_cache (всего пула либо одного аккаунта), reset_errors, clear_flood.
func (d *Dashboard) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req controlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), controlTimeOut)
	defer cancel()

	switch req.Action {
	case "reload_cache":
		d.controlReloadCache(ctx, w, req.Account)
	case "reset_errors":
		d.controlResetErrors(w, req.Account)
	case "clear_flood":
		d.controlClearFlood(w, req.Account)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown action"})
	}
}

// controlReloadCache прогревает кэши: у одного аккаунта — все его роли,
// без аккаунта — весь пул.
func (d *Dashboard) controlReloadCache(ctx context.Context, w http.ResponseWriter, account string) {
	if account == "" {
		if err := d.pool.ReloadAllCaches(ctx); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	bridges := d.pool.BridgesOf(account)
	if len(bridges) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown account: " + account})
		return
	}

	size := 0
	for _, b := range bridges {
		if err := b.WarmupCache(ctx); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		size += b.Cache().Size()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cache_size": size})
}

// controlResetErrors обнуляет счётчики ошибок всех ролей аккаунта.
func (d *Dashboard) controlResetErrors(w http.ResponseWriter, account string) {
	bridges := d.pool.BridgesOf(account)
	if len(bridges) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown account"})
		return
	}
	for _, b := range bridges {
		b.Health().ResetErrors()
	}
	logger.Infof("Dashboard: reset errors for account %s", account)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// controlClearFlood снимает flood_wait с ролей аккаунта. Успех, если хотя бы
// одна роль действительно была во flood_wait.
func (d *Dashboard) controlClearFlood(w http.ResponseWriter, account string) {
	cleared := false
	for _, b := range d.pool.BridgesOf(account) {
		if b.Health().ClearFlood() {
			cleared = true
		}
	}
	if !cleared {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown account or not in flood"})
		return
	}
	logger.Infof("Dashboard: cleared flood wait for account %s", account)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// === Повтор неудачных запросов ==============================================

type failedActionRequest struct {
	ID int64 `json:"id"`
}

// handleFailedRetry повторяет сохранённый запрос: входящие уходят на
// внутренний сервисный порт тем же телом, исходящие — на сохранённый URL.
func (d *Dashboard) handleFailedRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req failedActionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeOut)
	defer cancel()

	fr, err := d.reg.FailedRequestByID(ctx, req.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if fr == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "request not found"})
		return
	}

	target, err := replayTarget(fr)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	logger.Infof("Replaying failed request %d (%s %s) to %s",
		fr.ID, fr.Service, fr.Direction, target)

	code, respBody, err := d.replay(r.Context(), target, []byte(fr.RequestPayload))

	uctx, ucancel := context.WithTimeout(context.Background(), queryTimeOut)
	defer ucancel()

	if err != nil {
		_ = d.reg.UpdateFailedRequest(uctx, fr.ID, "pending", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	if code >= 200 && code < 300 {
		if uerr := d.reg.UpdateFailedRequest(uctx, fr.ID, "retried", ""); uerr != nil {
			logger.Warnf("Failed to mark request %d retried: %v", fr.ID, uerr)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"code":     code,
			"response": replayBody(respBody),
		})
		return
	}

	errText := fmt.Sprintf("HTTP %d: %s", code, truncate(string(respBody), 500))
	_ = d.reg.UpdateFailedRequest(uctx, fr.ID, "pending", errText)
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"status":   "error",
		"error":    errText,
		"code":     code,
		"response": replayBody(respBody),
	})
}

// handleFailedDelete удаляет запись из очереди без повтора.
func (d *Dashboard) handleFailedDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req failedActionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeOut)
	defer cancel()

	fr, err := d.reg.FailedRequestByID(ctx, req.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if fr == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "request not found"})
		return
	}

	if err := d.reg.DeleteFailedRequest(ctx, req.ID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	logger.Infof("Dashboard: deleted failed request %d (%s)", fr.ID, fr.Service)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// replay отправляет тот же JSON тем же методом POST и возвращает статус
// и тело ответа.
func (d *Dashboard) replay(ctx context.Context, url string, payload []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, replayTimeOut)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// replayTarget выбирает адрес повтора: для исходящих endpoint хранит полный
// URL, для входящих — путь на внутреннем сервисном порту.
func replayTarget(fr *registry.FailedRequest) (string, error) {
	if fr.Direction == "outbound" {
		if !strings.HasPrefix(fr.Endpoint, "http://") && !strings.HasPrefix(fr.Endpoint, "https://") {
			return "", fmt.Errorf("outbound request %d has no URL endpoint", fr.ID)
		}
		return fr.Endpoint, nil
	}

	port, ok := servicePort(fr.Service)
	if !ok {
		return "", fmt.Errorf("unknown service: %s", fr.Service)
	}
	endpoint := fr.Endpoint
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, endpoint), nil
}

func servicePort(service string) (int, bool) {
	switch service {
	case "create_chat":
		return config.PortCreateChat, true
	case "send_text":
		return config.PortSendText, true
	case "send_media":
		return config.PortSendMedia, true
	case "leave_chat":
		return config.PortLeaveChat, true
	}
	return 0, false
}

// replayBody пытается сохранить JSON-ответ как есть, иначе отдаёт строку.
func replayBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// chatTitles подтягивает заголовки чатов для журнальных выборок. Сбой
// не критичен: ответ уходит без заголовков.
func (d *Dashboard) chatTitles(ctx context.Context, ids []string) map[string]string {
	if len(ids) == 0 {
		return nil
	}
	titles, err := d.reg.ChatTitles(ctx, ids)
	if err != nil {
		logger.Warnf("Dashboard chat titles failed: %v", err)
		return nil
	}
	return titles
}

// distinctChatIDs собирает уникальные непустые chat_id выборки, сохраняя
// порядок первого появления.
func distinctChatIDs[T any](rows []T, key func(T) string) []string {
	seen := make(map[string]struct{}, len(rows))
	var ids []string
	for _, row := range rows {
		id := key(row)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// limitParam читает ?limit=N с фолбэком на значение по умолчанию.
func limitParam(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
