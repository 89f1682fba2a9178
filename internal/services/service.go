// Package services — прикладная логика четырёх HTTP-сервисов шлюза:
// create_chat, send_text, send_media и leave_chat. Каждый обработчик
// разбирает JSON-тело, выбирает мост через маршрутизатор, выполняет
// процедуру в фоновом пуле задач и переводит исход в HTTP-статус с
// JSON-ответом. Сетевой слой (порты, роуты, кодирование) живёт в web.
package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"

	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/infra/tasks"
	"telegram-gateway/internal/registry"
	"telegram-gateway/internal/telegram/bridge"
	"telegram-gateway/internal/telegram/pool"
	"telegram-gateway/internal/telegram/router"
)

// Потолки ожидания HTTP-вызывающего. Сама процедура живёт дольше: протухший
// потолок отдаёт 504, а задача доезжает в фоне и дописывает исход в реестр.
const (
	createChatWait = 120 * time.Second
	sendTextWait   = 120 * time.Second
	sendMediaWait  = 180 * time.Second
	leaveChatWait  = 60 * time.Second
)

// kickPause — пауза между киками участников, чтобы не словить FloodWait.
const kickPause = 500 * time.Millisecond

// InviteNotifier асинхронно доставляет клиенту инвайт-ссылку созданного
// чата. Реализация — фоновый воркер salebot-колбэков.
type InviteNotifier interface {
	Enqueue(clientTgID, inviteLink string)
}

// Fallback — запасной канал доставки через Bot API. Бот сидит
// администратором в созданных группах, поэтому может писать туда даже
// когда все пользовательские аккаунты в бане или во flood_wait.
type Fallback interface {
	SendText(ctx context.Context, chat, text, parseMode string, disablePreview bool, replyTo int) (int, error)
	SendMediaByURL(ctx context.Context, chat, fileURL, caption, parseMode string, forceDocument bool) (int, error)
}

// Platform связывает обработчики сервисов с пулом мостов, маршрутизатором
// и реестром. Notifier, Fallback и Observer опциональны: без них
// create_chat пропускает колбэк и приглашение наблюдателя, а отправка
// обходится без запасного канала.
type Platform struct {
	Pool     *pool.Pool
	Router   *router.Router
	Registry *registry.Registry
	Runner   *tasks.Runner
	Notifier InviteNotifier
	Fallback Fallback
	Observer string // username наблюдателя без @
}

// Handler — обработчик основного роута сервиса: JSON-тело на входе,
// HTTP-статус и JSON-ответ на выходе.
type Handler func(ctx context.Context, body []byte) (int, map[string]any)

// Descriptor — привязка сервиса к фиксированному порту и роуту.
type Descriptor struct {
	Name    string
	Port    int
	Route   string
	Handler Handler

	// WithStats: сервисы создания и отправки несут /stats и /reload_cache,
	// leave_chat ограничен одним /health.
	WithStats bool
}

// Descriptors перечисляет четыре сервиса шлюза в порядке портов.
func (p *Platform) Descriptors() []Descriptor {
	return []Descriptor{
		{Name: "create_chat", Port: config.PortCreateChat, Route: "/create_chat", Handler: p.CreateChat, WithStats: true},
		{Name: "send_text", Port: config.PortSendText, Route: "/send_text", Handler: p.SendText, WithStats: true},
		{Name: "send_media", Port: config.PortSendMedia, Route: "/send_media", Handler: p.SendMedia, WithStats: true},
		{Name: "leave_chat", Port: config.PortLeaveChat, Route: "/leave_chat", Handler: p.LeaveChat},
	}
}

// === Вспомогательные эндпоинты ===============================================

// ServiceHealth — готовность сервиса: жив ли хоть один мост роли.
// Статус всегда 200, неготовность выражается телом.
func (p *Platform) ServiceHealth(service string) (int, map[string]any) {
	status := "not_ready"
	if _, ok := p.Pool.Best(service); ok {
		status = "ok"
	}
	return http.StatusOK, map[string]any{"status": status}
}

// ServiceStats — счётчики пула и статусы аккаунтов роли.
func (p *Platform) ServiceStats(service string) (int, map[string]any) {
	return http.StatusOK, map[string]any{
		"cache_size":       p.Pool.CacheSize(service),
		"accounts":         p.Pool.ServiceSnapshots(service),
		"error_count":      p.Pool.TotalErrors(),
		"operations_count": p.Pool.TotalOperations(),
	}
}

// ReloadServiceCache — полный прогрев кэшей всех здоровых мостов роли.
func (p *Platform) ReloadServiceCache(ctx context.Context, service string) (int, map[string]any) {
	size, err := p.Pool.ReloadServiceCaches(ctx, service)
	if err != nil {
		return http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()}
	}
	return http.StatusOK, map[string]any{"status": "ok", "cache_size": size}
}

// === Исполнение процедур =====================================================

// runOn выполняет процедуру на мосту: снаружи — фоновый пул задач с потолком
// ожидания, внутри — драйвер повторов моста (реконнект на сетевых сбоях).
// По истечении потолка вызывающий получает tasks.ErrTimeout, а процедура
// доезжает в фоне вместе с записью исхода в реестр.
func (p *Platform) runOn(b *bridge.Bridge, wait time.Duration, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	return tasks.Submit(p.Runner, wait, func(taskCtx context.Context) (map[string]any, error) {
		var out map[string]any
		err := b.Invoke(taskCtx, func(ctx context.Context) error {
			m, ferr := fn(ctx)
			if ferr != nil {
				return ferr
			}
			out = m
			return nil
		})
		return out, err
	})
}

// timeoutResponse — ответ на протухший потолок ожидания. Failover здесь
// запрещён: задача продолжает выполняться, и повтор на другом аккаунте
// означал бы дубль операции.
func timeoutResponse(service string) (int, map[string]any) {
	logger.Warnf("%s: wait ceiling exceeded, task keeps running in background", service)
	return http.StatusGatewayTimeout, map[string]any{"status": "error", "error": "operation timed out, still running in background"}
}

// terminalError — исход, который нет смысла повторять на другом мосту:
// данные запроса не годятся либо состояние уже изменилось и повтор опасен.
// Обработчик отдаёт статус и тело как есть.
type terminalError struct {
	code int
	body map[string]any
}

func (e *terminalError) Error() string {
	if msg, ok := e.body["error"].(string); ok {
		return msg
	}
	return http.StatusText(e.code)
}

// StopRetry: драйвер повторов не тратит попытки на терминальный исход.
func (e *terminalError) StopRetry() bool { return true }

func asTerminal(err error) (*terminalError, bool) {
	var te *terminalError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// === Классификация ошибок ====================================================

// floodSeconds достаёт паузу из FLOOD_WAIT-ошибки.
func floodSeconds(err error) (int, bool) {
	d, ok := tgerr.AsFloodWait(err)
	if !ok {
		return 0, false
	}
	return int(d / time.Second), true
}

// isFileRefExpired ловит FILE_REFERENCE_EXPIRED вместе с нумерованными
// вариантами вида FILE_REFERENCE_0_EXPIRED.
func isFileRefExpired(err error) bool {
	if err == nil {
		return false
	}
	if tgerr.Is(err, "FILE_REFERENCE_EXPIRED") {
		return true
	}
	return strings.Contains(err.Error(), "FILE_REFERENCE_")
}

// saveFailed кладёт исходное тело запроса в журнал неудач для повтора с
// дашборда. Ошибка записи не должна затирать исходную проблему, поэтому
// только логируется.
func (p *Platform) saveFailed(ctx context.Context, service, endpoint string, payload []byte, errText string) {
	if err := p.Registry.SaveFailedRequest(ctx, service, "inbound", endpoint, payload, errText); err != nil {
		logger.Warnf("Failed to journal %s request: %v", service, err)
	}
}

// pause ждёт d или отмену контекста.
func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// === Гибкие поля JSON ========================================================

// flexID принимает идентификатор и числом, и строкой: внешние CRM шлют его
// как придётся. Хранится каноничный строковый вид без пробелов.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string { return string(f) }

func (f flexID) Empty() bool { return string(f) == "" }

// Int64 возвращает числовое значение, если идентификатор числовой.
func (f flexID) Int64() (int64, bool) {
	v, err := json.Number(f).Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}
