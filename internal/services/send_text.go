package services

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/go-faster/errors"

	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/infra/tasks"
	"telegram-gateway/internal/telegram/bridge"
	"telegram-gateway/internal/tgutil"
)

type sendTextRequest struct {
	Chat             flexID   `json:"chat"`
	Text             string   `json:"text"`
	TagClient        bool     `json:"tag_client"`
	ClientID         flexID   `json:"client_id"`
	ClientUsername   string   `json:"client_username"`
	ExcludeUsernames []string `json:"exclude_usernames"`
	DisablePreview   *bool    `json:"disable_preview"`
	ReplyTo          flexID   `json:"reply_to"`
	ParseMode        string   `json:"parse_mode"`
}

// SendText — POST /send_text: текст в чат или ЛС, при необходимости с
// HTML-упоминанием клиента. Клиент ищется по client_id, client_username
// либо эвристикой по участникам группы.
func (p *Platform) SendText(ctx context.Context, body []byte) (int, map[string]any) {
	var req sendTextRequest
	if err := json.Unmarshal(body, &req); err != nil {
		req = sendTextRequest{}
	}
	if req.Chat.Empty() {
		return http.StatusBadRequest, map[string]any{"error": "chat is required"}
	}

	// Ссылка на чат остаётся в написании запроса: здесь, в отличие от
	// leave_chat, положительные id означают и пользователей, поэтому
	// супергрупповой префикс не навешивается.
	chatKey := chatRefKey(req.Chat.String())

	if left, err := p.Registry.IsLeft(ctx, chatKey); err == nil && left {
		logger.Infof("send_text skipped: chat %s already left", chatKey)
		return http.StatusOK, map[string]any{"status": "skipped", "reason": "chat already left"}
	}

	b, err := p.Router.PickForChat(ctx, "send_text", chatKey)
	if err != nil {
		return http.StatusServiceUnavailable, map[string]any{"error": err.Error()}
	}

	out, err := p.trySendText(b, req, chatKey)
	if err == nil {
		return http.StatusOK, out
	}
	if errors.Is(err, tasks.ErrTimeout) {
		return timeoutResponse("send_text")
	}

	// FloodWait: мост уходит в карантин, одна попытка на следующем здоровом.
	if seconds, ok := floodSeconds(err); ok {
		p.Router.HandleError(ctx, b, chatKey, "send_text", err)
		if fb, ok := p.Pool.NextHealthy("send_text", b.Account()); ok {
			if out, ferr := p.trySendText(fb, req, chatKey); ferr == nil {
				return http.StatusOK, out
			} else {
				logger.Warnf("send_text: fallback %s failed: %v", fb.Account(), ferr)
			}
		}
		if out, ok := p.sendTextViaBot(ctx, req, chatKey); ok {
			return http.StatusOK, out
		}
		return http.StatusTooManyRequests, map[string]any{"status": "error", "error": "FloodWait", "retry_after": seconds}
	}

	// Сущность не резолвится: другой аккаунт может знать этот чат.
	if errors.Is(err, bridge.ErrCannotResolve) {
		logger.Warnf("send_text: entity %s not found on %s, trying failover", chatKey, b.Account())
		if fb, ok := p.Pool.NextHealthy("send_text", b.Account()); ok {
			if out, ferr := p.trySendText(fb, req, chatKey); ferr == nil {
				return http.StatusOK, out
			} else {
				logger.Warnf("send_text: fallback %s failed: %v", fb.Account(), ferr)
			}
		}
	}

	p.Router.HandleError(ctx, b, chatKey, "send_text", err)
	if out, ok := p.sendTextViaBot(ctx, req, chatKey); ok {
		return http.StatusOK, out
	}
	logger.Errorf("send_text failed: %v", err)
	p.saveFailed(ctx, "send_text", "/send_text", body, err.Error())
	return http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()}
}

// sendTextViaBot — последний рубеж: текст уходит от имени бота. Тегирование
// клиента здесь недоступно (нет резолва участников), текст отправляется
// как есть.
func (p *Platform) sendTextViaBot(ctx context.Context, req sendTextRequest, chatKey string) (map[string]any, bool) {
	if p.Fallback == nil {
		return nil, false
	}

	parseMode := strings.ToLower(strings.TrimSpace(req.ParseMode))
	if parseMode == "" {
		parseMode = "html"
	}
	disablePreview := true
	if req.DisablePreview != nil {
		disablePreview = *req.DisablePreview
	}
	replyTo := 0
	if v, ok := req.ReplyTo.Int64(); ok {
		replyTo = int(v)
	}

	msgID, err := p.Fallback.SendText(ctx, chatKey, req.Text, parseMode, disablePreview, replyTo)
	if err != nil {
		logger.Warnf("send_text: bot fallback failed: %v", err)
		return nil, false
	}
	logger.Infof("send_text delivered via bot fallback: chat=%s message_id=%d", chatKey, msgID)
	return map[string]any{
		"status":     "ok",
		"chat_id":    chatKey,
		"message_id": msgID,
		"via":        "bot_api",
	}, true
}

func (p *Platform) trySendText(b *bridge.Bridge, req sendTextRequest, chatKey string) (map[string]any, error) {
	return p.runOn(b, sendTextWait, func(ctx context.Context) (map[string]any, error) {
		return p.sendTextOn(ctx, b, req, chatKey)
	})
}

func (p *Platform) sendTextOn(ctx context.Context, b *bridge.Bridge, req sendTextRequest, chatKey string) (map[string]any, error) {
	target, err := b.GetEntity(ctx, chatKey)
	if err != nil {
		return nil, err
	}

	parseMode := strings.ToLower(strings.TrimSpace(req.ParseMode))
	if parseMode == "" {
		parseMode = "html"
	}
	disablePreview := true
	if req.DisablePreview != nil {
		disablePreview = *req.DisablePreview
	}
	msg := bridge.TextMessage{
		Text:           req.Text,
		ParseMode:      parseMode,
		DisablePreview: disablePreview,
	}
	if v, ok := req.ReplyTo.Int64(); ok {
		msg.ReplyTo = int(v)
	}

	private := target.Kind == tgutil.KindUser

	// ЛС без тегирования: обычная отправка, участники не нужны.
	if private && !req.TagClient {
		msgID, err := b.SendText(ctx, target, msg)
		if err != nil {
			return nil, err
		}
		p.Router.HandleSuccess(ctx, b, chatKey, "send_text")
		return map[string]any{
			"status":     "ok",
			"chat_id":    target.CanonicalID(),
			"message_id": msgID,
			"chat_type":  "private",
		}, nil
	}

	// Участники группы нужны и для поиска клиента, и для проверки членства.
	var members []bridge.Entity
	if !private {
		members, err = b.Participants(ctx, target)
		if err != nil {
			logger.Warnf("send_text: participants of %s: %v", chatKey, err)
			members = nil
		}
	}
	byID := make(map[int64]bridge.Entity, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}

	exclude := p.excludeIDs(ctx, b, req.ExcludeUsernames)
	client, found := p.findClient(ctx, b, req, target, members, byID, exclude)

	text := req.Text
	if req.TagClient && found {
		mention := htmlMention(client)
		if strings.Contains(text, "{client}") || strings.Contains(text, "{{client}}") {
			text = strings.ReplaceAll(text, "{{client}}", mention)
			text = strings.ReplaceAll(text, "{client}", mention)
		} else {
			text = strings.TrimSpace(mention + " " + text)
		}
	}
	msg.Text = text

	msgID, err := b.SendText(ctx, target, msg)
	if err != nil {
		return nil, err
	}
	p.Router.HandleSuccess(ctx, b, chatKey, "send_text")

	chatType := "group"
	if private {
		chatType = "private"
	}
	var taggedID, taggedName any
	if found {
		taggedID = client.ID
		taggedName = client.DisplayName()
	}
	return map[string]any{
		"status":             "ok",
		"chat_id":            target.CanonicalID(),
		"message_id":         msgID,
		"client_tagged_id":   taggedID,
		"client_tagged_name": taggedName,
		"chat_type":          chatType,
	}, nil
}

// findClient повторяет порядок выбора клиента: в ЛС — сам собеседник, в
// группе — явный client_id, затем явный client_username, затем эвристика по
// участникам. Боты и собственный аккаунт не считаются клиентами;
// исключения применяются только в эвристике.
func (p *Platform) findClient(ctx context.Context, b *bridge.Bridge, req sendTextRequest, target bridge.Entity, members []bridge.Entity, byID map[int64]bridge.Entity, exclude map[int64]bool) (bridge.Entity, bool) {
	self := b.Self()
	eligible := func(e bridge.Entity) bool {
		return e.Kind == tgutil.KindUser && !e.Bot && e.ID != self.ID
	}

	if target.Kind == tgutil.KindUser {
		if req.TagClient && eligible(target) {
			return target, true
		}
		return bridge.Entity{}, false
	}

	if cid, ok := req.ClientID.Int64(); ok && cid != 0 {
		if m, inChat := byID[cid]; inChat {
			if eligible(m) {
				return m, true
			}
		} else if e, err := b.GetEntityByID(ctx, cid); err == nil && eligible(e) {
			return e, true
		}
	}

	uname := strings.TrimSpace(req.ClientUsername)
	if uname != "" {
		if e, err := b.GetEntity(ctx, uname); err == nil && eligible(e) {
			return e, true
		}
	}

	if !req.TagClient {
		return bridge.Entity{}, false
	}

	// Эвристика. Предпочтительный username должен состоять в чате, когда
	// список участников известен.
	if uname != "" {
		if e, err := b.GetEntity(ctx, uname); err == nil && eligible(e) && !exclude[e.ID] {
			if _, member := byID[e.ID]; member || len(byID) == 0 {
				return e, true
			}
		}
	}
	for _, m := range members {
		if eligible(m) && !exclude[m.ID] {
			return m, true
		}
	}
	return bridge.Entity{}, false
}

// excludeIDs резолвит исключаемые username в набор id пользователей.
// Нерезолвящиеся ссылки молча пропускаются.
func (p *Platform) excludeIDs(ctx context.Context, b *bridge.Bridge, usernames []string) map[int64]bool {
	out := map[int64]bool{}
	for _, u := range usernames {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		e, err := b.GetEntity(ctx, u)
		if err != nil {
			continue
		}
		if e.Kind == tgutil.KindUser {
			out[e.ID] = true
		}
	}
	return out
}

// htmlMention строит кликабельное упоминание клиента через tg://user.
func htmlMention(u bridge.Entity) string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, u.ID, html.EscapeString(u.DisplayName()))
}
