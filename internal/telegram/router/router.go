// Package router выбирает мост под операцию и фиксирует её исход.
//
// Правила выбора:
//   - создание чата — взвешенный баланс по числу чатов в реестре: основной
//     аккаунт получает фиксированную малую долю, резервные делят остаток
//     по дефициту;
//   - операция в существующем чате — липкая привязка: чатом занимается его
//     владелец из реестра, пока тот здоров; нездоровый владелец заменяется
//     наименее загруженным по реестру мостом с переписыванием владельца и
//     одной записью в журнал failover; без здоровой замены чат остаётся за
//     прежним владельцем;
//   - отправка пользователю — как для чата, когда получатель закреплён в
//     реестре, иначе наименее загруженный здоровый мост.
//
// Исходы операций router переводит в машину здоровья моста и журнал
// операций реестра: успех, FloodWait, бан аккаунта либо обычная ошибка.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"

	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/registry"
	"telegram-gateway/internal/telegram/bridge"
	"telegram-gateway/internal/telegram/pool"
)

// ErrNoHealthyBridge — для сервиса не нашлось ни одного здорового моста.
var ErrNoHealthyBridge = errors.New("no healthy bridge available")

// Статусы журнала операций реестра.
const (
	statusOK        = "ok"
	statusFloodWait = "flood_wait"
	statusBanned    = "banned"
	statusError     = "error"
)

// bannedCodes — RPC-ошибки, после которых аккаунт непригоден до ручного
// вмешательства.
var bannedCodes = []string{
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
	"AUTH_KEY_UNREGISTERED",
	"SESSION_REVOKED",
	"PHONE_NUMBER_BANNED",
}

// Router — маршрутизатор операций поверх пула и реестра.
type Router struct {
	pool *pool.Pool
	reg  *registry.Registry
}

// New создаёт маршрутизатор.
func New(p *pool.Pool, reg *registry.Registry) *Router {
	return &Router{pool: p, reg: reg}
}

// PickForCreate выбирает мост под создание нового чата.
func (r *Router) PickForCreate(ctx context.Context) (*bridge.Bridge, error) {
	counts, err := r.reg.AccountChatCounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "chat counts")
	}
	b, ok := r.pool.PickWeighted("create_chat", counts)
	if !ok {
		return nil, ErrNoHealthyBridge
	}
	return b, nil
}

// PickForChat выбирает мост под операцию в существующем чате с учётом
// липкой привязки. Нездоровый владелец заменяется: владелец чата в реестре
// переписывается на замену, событие попадает в журнал failover.
func (r *Router) PickForChat(ctx context.Context, service, chatID string) (*bridge.Bridge, error) {
	owner, err := r.reg.GetAccount(ctx, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "chat owner")
	}
	if owner == "" {
		return r.leastLoaded(ctx, service)
	}

	if b, ok := r.pool.Get(service, owner); ok && b.Health().IsHealthy() {
		return b, nil
	}
	return r.failover(ctx, service, chatID, owner)
}

// PickForRecipient выбирает мост под отправку пользователю. Закреплённый в
// реестре получатель обслуживается своим владельцем по тем же правилам, что
// и чат; незнакомый — наименее загруженным здоровым мостом.
func (r *Router) PickForRecipient(ctx context.Context, service, recipient string) (*bridge.Bridge, error) {
	if recipient == "" {
		return r.leastLoaded(ctx, service)
	}
	return r.PickForChat(ctx, service, recipient)
}

// leastLoaded выбирает здоровый мост аккаунта с минимумом активных чатов
// в реестре.
func (r *Router) leastLoaded(ctx context.Context, service string, exclude ...string) (*bridge.Bridge, error) {
	counts, err := r.reg.AccountChatCounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "chat counts")
	}
	b, ok := r.pool.LeastLoaded(service, counts, exclude...)
	if !ok {
		return nil, ErrNoHealthyBridge
	}
	return b, nil
}

// failover заменяет нездорового владельца чата наименее загруженным мостом.
// Когда здоровой замены нет, операция уходит через прежнего владельца,
// каким бы ни было его состояние.
func (r *Router) failover(ctx context.Context, service, chatID, owner string) (*bridge.Bridge, error) {
	replacement, err := r.leastLoaded(ctx, service, owner)
	if err != nil {
		if errors.Is(err, ErrNoHealthyBridge) {
			if prev, ok := r.pool.Get(service, owner); ok {
				logger.Warnf("No healthy replacement for chat %s, keeping owner %s (%s)",
					chatID, owner, prev.Health().Status())
				return prev, nil
			}
		}
		return nil, err
	}

	reason := fmt.Sprintf("owner %s has no bridge for %s", owner, service)
	if prev, exists := r.pool.Get(service, owner); exists {
		reason = fmt.Sprintf("owner %s unhealthy (%s)", owner, prev.Health().Status())
	}

	if err := r.reg.UpdateAccount(ctx, chatID, replacement.Account()); err != nil {
		return nil, errors.Wrap(err, "rewrite chat owner")
	}
	if err := r.reg.LogFailover(ctx, chatID, owner, replacement.Account(), reason); err != nil {
		logger.Warnf("Log failover for chat %s: %v", chatID, err)
	}
	logger.Infof("Failover for chat %s: %s → %s (%s)", chatID, owner, replacement.Account(), reason)
	return replacement, nil
}

// HandleSuccess фиксирует успешную операцию моста.
func (r *Router) HandleSuccess(ctx context.Context, b *bridge.Bridge, chatID, operation string) {
	b.Health().MarkSuccess()
	if err := r.reg.LogOperation(ctx, b.Account(), chatID, operation, statusOK, ""); err != nil {
		logger.Warnf("Log operation %s for %s: %v", operation, b.Key(), err)
	}
}

// HandleError классифицирует ошибку операции: FloodWait переводит мост в
// flood_wait на срок из ошибки, бан аккаунта — в banned, всё остальное
// наращивает счётчик ошибок. Каждая ветка оставляет строку в журнале.
func (r *Router) HandleError(ctx context.Context, b *bridge.Bridge, chatID, operation string, opErr error) {
	var status, detail string
	switch {
	case isFlood(opErr):
		d, _ := tgerr.AsFloodWait(opErr)
		seconds := int(d.Seconds())
		b.Health().MarkFlood(seconds)
		status = statusFloodWait
		detail = fmt.Sprintf("FloodWait %ds", seconds)
	case isBanned(opErr):
		b.Health().MarkBanned()
		status = statusBanned
		detail = opErr.Error()
	default:
		b.Health().MarkError(opErr)
		status = statusError
		detail = opErr.Error()
	}
	if err := r.reg.LogOperation(ctx, b.Account(), chatID, operation, status, detail); err != nil {
		logger.Warnf("Log operation %s for %s: %v", operation, b.Key(), err)
	}
}

func isFlood(err error) bool {
	_, ok := tgerr.AsFloodWait(err)
	return ok
}

// isBanned распознаёт фатальные для аккаунта ошибки: по известным RPC-кодам
// либо по тексту, когда ошибка пришла не от сервера Telegram.
func isBanned(err error) bool {
	if tgerr.Is(err, bannedCodes...) {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "deactivated") || strings.Contains(text, "banned")
}
