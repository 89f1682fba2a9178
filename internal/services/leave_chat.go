package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-faster/errors"

	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/infra/tasks"
	"telegram-gateway/internal/telegram/bridge"
	"telegram-gateway/internal/tgutil"
)

type leaveChatRequest struct {
	Chat flexID `json:"chat"`
}

// LeaveChat — POST /leave_chat: выбить участников, покинуть чат и отметить
// его в реестре. Нерезолвящийся чат считается уже покинутым.
func (p *Platform) LeaveChat(ctx context.Context, body []byte) (int, map[string]any) {
	var req leaveChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		req = leaveChatRequest{}
	}
	if req.Chat.Empty() {
		return http.StatusBadRequest, map[string]any{"status": "error", "error": "chat is required"}
	}

	// Каноническая форма: положительное число трактуется как сырой id
	// супергруппы и получает префикс «-100…», username остаётся строкой.
	chatKey := canonicalChatKey(req.Chat.String())

	b, err := p.Router.PickForChat(ctx, "leave_chat", chatKey)
	if err != nil {
		return http.StatusServiceUnavailable, map[string]any{"status": "error", "error": err.Error()}
	}

	out, err := p.runOn(b, leaveChatWait, func(taskCtx context.Context) (map[string]any, error) {
		return p.leaveChatOn(taskCtx, b, chatKey)
	})
	if err == nil {
		return http.StatusOK, out
	}
	if errors.Is(err, tasks.ErrTimeout) {
		return timeoutResponse("leave_chat")
	}
	if te, ok := asTerminal(err); ok {
		return te.code, te.body
	}
	if errors.Is(err, bridge.ErrCannotResolve) {
		// Чат не находится ни на одном шаге резолва — фактически мы уже
		// не в нём.
		if mErr := p.Registry.MarkLeft(ctx, chatKey); mErr != nil {
			logger.Warnf("leave_chat: mark left %s: %v", chatKey, mErr)
		}
		logger.Infof("leave_chat: chat %s not found, marking as left", chatKey)
		return http.StatusOK, map[string]any{
			"status":    "ok",
			"left_type": "unresolvable",
			"note":      "Chat not found, marked as left",
		}
	}
	p.Router.HandleError(ctx, b, chatKey, "leave_chat", err)
	logger.Errorf("leave_chat failed: %v", err)
	p.saveFailed(ctx, "leave_chat", "/leave_chat", body, err.Error())
	return http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()}
}

// leaveChatOn выполняет выход на мосту. Супергруппы предварительно
// чистятся от участников, обычные группы покидаются сразу.
func (p *Platform) leaveChatOn(ctx context.Context, b *bridge.Bridge, chatKey string) (map[string]any, error) {
	e, err := b.GetEntity(ctx, chatKey)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	switch e.Kind {
	case tgutil.KindChannel:
		kicked := p.kickAll(ctx, b, e)
		if err := b.LeaveChannel(ctx, e); err != nil {
			return nil, err
		}
		out = map[string]any{"status": "ok", "left_type": "channel", "id": e.ID, "kicked": kicked}
	case tgutil.KindChat:
		if err := b.LeaveBasicChat(ctx, e); err != nil {
			return nil, err
		}
		out = map[string]any{"status": "ok", "left_type": "basic_chat", "id": e.ID}
	default:
		label := "user"
		if e.Kind == tgutil.KindUnknown {
			label = "unknown"
		}
		return nil, &terminalError{
			code: http.StatusBadRequest,
			body: map[string]any{"status": "error", "error": "unsupported entity type: " + label},
		}
	}

	if err := p.Registry.MarkLeft(ctx, chatKey); err != nil {
		logger.Warnf("leave_chat: mark left %s: %v", chatKey, err)
	}
	p.Router.HandleSuccess(ctx, b, chatKey, "leave_chat")
	return out, nil
}

// kickAll выбивает участников перед выходом. Неудачные кики пропускаются,
// между киками выдерживается пауза от FloodWait. Возвращает id выбитых.
func (p *Platform) kickAll(ctx context.Context, b *bridge.Bridge, channel bridge.Entity) []int64 {
	kicked := []int64{}
	members, err := b.Participants(ctx, channel)
	if err != nil {
		logger.Warnf("Failed to get participants for kick: %v", err)
		return kicked
	}
	for _, m := range members {
		if m.Self || m.Kind != tgutil.KindUser {
			continue
		}
		if err := b.KickParticipant(ctx, channel, m); err != nil {
			logger.Warnf("Failed to kick user %d: %v", m.ID, err)
			continue
		}
		kicked = append(kicked, m.ID)
		name := m.Username
		if name == "" {
			name = "no_username"
		}
		logger.Infof("Kicked user %d (%s) from chat", m.ID, name)
		if err := pause(ctx, kickPause); err != nil {
			break
		}
	}
	return kicked
}

// === Нормализация ссылок на чат ==============================================

// chatRefKey приводит числовые написания к каноническому десятичному виду,
// не меняя значения; всё прочее остаётся как есть.
func chatRefKey(ref string) string {
	ref = strings.TrimSpace(ref)
	if v, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return strconv.FormatInt(v, 10)
	}
	return ref
}

// canonicalChatKey — ключ реестра для leave_chat: числовые ссылки
// канонизируются вместе с супергрупповым префиксом для положительных,
// username теряет ведущий @.
func canonicalChatKey(ref string) string {
	id, username, isID := tgutil.NormalizeChatRef(ref)
	if isID {
		return strconv.FormatInt(id, 10)
	}
	return username
}
