package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/infra/tasks"
	"telegram-gateway/internal/telegram/bridge"
)

type createChatRequest struct {
	Title      string   `json:"title"`
	Usernames  []string `json:"usernames"`
	ClientTgID flexID   `json:"client_tg_id"`
}

// CreateChat — POST /create_chat: супергруппа с открытой предысторией,
// приглашёнными участниками, ботами-админами и инвайт-ссылкой. Созданный
// чат привязывается к аккаунту в реестре; при наличии client_tg_id ссылка
// уезжает клиенту через фоновый колбэк.
func (p *Platform) CreateChat(ctx context.Context, body []byte) (int, map[string]any) {
	var req createChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		// Некорректный JSON трактуется как пустое тело: валидация полей
		// ниже вернёт осмысленную ошибку.
		req = createChatRequest{}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return http.StatusBadRequest, map[string]any{"error": "title is required"}
	}
	if len(req.Usernames) == 0 {
		return http.StatusBadRequest, map[string]any{"error": "usernames (array) is required"}
	}
	clientTgID := req.ClientTgID.String()

	b, err := p.Router.PickForCreate(ctx)
	if err != nil {
		return http.StatusServiceUnavailable, map[string]any{"error": err.Error()}
	}
	logger.Infof("create_chat: title=%q account=%s idents=%v", title, b.Account(), identsSample(req.Usernames))

	out, err := p.runOn(b, createChatWait, func(taskCtx context.Context) (map[string]any, error) {
		return p.createChatOn(taskCtx, b, title, req.Usernames, clientTgID)
	})
	if err == nil {
		return http.StatusOK, out
	}
	if errors.Is(err, tasks.ErrTimeout) {
		return timeoutResponse("create_chat")
	}
	if te, ok := asTerminal(err); ok {
		return te.code, te.body
	}

	p.Router.HandleError(ctx, b, "", "create_chat", err)
	original := err

	// Процедура целиком повторяется на каждом оставшемся здоровом мосту
	// роли. Терминальные исходы и таймауты обрывают перебор.
	for _, fb := range p.Pool.HealthyExcept("create_chat", b.Account()) {
		logger.Warnf("create_chat failover: %s -> %s", b.Account(), fb.Account())
		out, ferr := p.runOn(fb, createChatWait, func(taskCtx context.Context) (map[string]any, error) {
			return p.createChatOn(taskCtx, fb, title, req.Usernames, clientTgID)
		})
		if ferr == nil {
			return http.StatusOK, out
		}
		if errors.Is(ferr, tasks.ErrTimeout) {
			return timeoutResponse("create_chat")
		}
		if te, ok := asTerminal(ferr); ok {
			return te.code, te.body
		}
		p.Router.HandleError(ctx, fb, "", "create_chat", ferr)
	}

	p.saveFailed(ctx, "create_chat", "/create_chat", body, original.Error())
	return http.StatusInternalServerError, map[string]any{"error": original.Error()}
}

// createChatOn — полная процедура создания на одном мосту. Терминальные
// исходы (нерезолвящиеся участники, неопознанная или незарегистрированная
// группа) не повторяются на других аккаунтах.
func (p *Platform) createChatOn(ctx context.Context, b *bridge.Bridge, title string, idents []string, clientTgID string) (map[string]any, error) {
	debug := map[string]any{
		"account":       b.Account(),
		"idents_sample": identsSample(idents),
	}

	// 1) Резолв участников: пустые ссылки пропускаются, отказы копятся.
	var invitees []bridge.Entity
	resolveFailed := []string{}
	for _, ident := range idents {
		ident = strings.TrimSpace(ident)
		if ident == "" {
			continue
		}
		e, err := b.GetEntity(ctx, ident)
		if err != nil {
			resolveFailed = append(resolveFailed, ident+": "+err.Error())
			continue
		}
		invitees = append(invitees, e)
	}
	debug["resolve_failed"] = resolveFailed
	if len(invitees) == 0 {
		return nil, &terminalError{
			code: http.StatusBadRequest,
			body: map[string]any{"error": "no resolvable users", "debug": debug},
		}
	}

	// 2) Супергруппа.
	channel, err := b.CreateSupergroup(ctx, title)
	if err != nil {
		if errors.Is(err, bridge.ErrNoCreatedChannel) {
			return nil, &terminalError{
				code: http.StatusInternalServerError,
				body: map[string]any{"error": err.Error(), "debug": debug},
			}
		}
		return nil, err
	}

	// 3) Открываем предысторию для новых участников.
	if err := b.ToggleHistory(ctx, channel, true); err != nil {
		debug["open_history"] = "error:" + err.Error()
	} else {
		debug["open_history"] = "ok"
	}

	// 4) Приглашаем всех одной пачкой.
	inviteFailed := []string{}
	if err := b.InviteUsers(ctx, channel, invitees); err != nil {
		debug["invite"] = "error"
		inviteFailed = append(inviteFailed, err.Error())
	} else {
		debug["invite"] = "ok"
	}
	debug["invite_failed"] = inviteFailed

	// 5) Наблюдатель присматривает за чатами запасных аккаунтов; его
	// отсутствие операцию не валит.
	if p.Observer != "" && b.Account() != config.MainAccountName {
		p.inviteObserver(ctx, b, channel, debug)
	}

	// 6) Повышаем ботов. Пауза даёт серверу применить приглашения.
	if err := pause(ctx, time.Second); err != nil {
		debug["promote_bots_error"] = err.Error()
	} else {
		promoted := []string{}
		for _, e := range invitees {
			if !e.Bot {
				continue
			}
			label := e.Username
			if label == "" {
				label = strconv.FormatInt(e.ID, 10)
			}
			if err := b.PromoteBotAdmin(ctx, channel, e); err != nil {
				promoted = append(promoted, "@"+label+": error:"+err.Error())
			} else {
				promoted = append(promoted, "@"+label+": ok")
			}
		}
		if len(promoted) == 0 {
			promoted = append(promoted, "no_bots_detected")
		}
		debug["promote_bots"] = promoted
	}

	// 7) Инвайт-ссылка.
	link, err := b.ExportInviteLink(ctx, channel)
	if err != nil {
		logger.Warnf("create_chat: export invite for %d: %v", channel.CanonicalID(), err)
		link = ""
	}
	if link != "" {
		debug["export_invite"] = "ok"
	} else {
		debug["export_invite"] = "none"
	}

	// 8) Привязка в реестре. Чат уже существует, поэтому отказ записи
	// терминален: повтор на другом аккаунте породил бы дубль группы.
	chatID := strconv.FormatInt(channel.CanonicalID(), 10)
	if err := p.Registry.Assign(ctx, chatID, b.Account(), title, link); err != nil {
		logger.Errorf("create_chat: assign %s to %s: %v", chatID, b.Account(), err)
		return nil, &terminalError{
			code: http.StatusInternalServerError,
			body: map[string]any{"error": "chat created but not registered: " + err.Error(), "debug": debug},
		}
	}

	// 9) Ссылка уезжает клиенту через фоновый воркер.
	if clientTgID != "" && link != "" && p.Notifier != nil {
		p.Notifier.Enqueue(clientTgID, link)
	}
	p.Router.HandleSuccess(ctx, b, chatID, "create_chat")

	var linkVal any
	if link != "" {
		linkVal = link
	}
	return map[string]any{
		"status":      "ok",
		"title":       title,
		"chat_id":     chatID,
		"invite_link": linkVal,
		"debug":       debug,
	}, nil
}

// inviteObserver добавляет наблюдателя в созданный чат.
func (p *Platform) inviteObserver(ctx context.Context, b *bridge.Bridge, channel bridge.Entity, debug map[string]any) {
	obs, err := b.GetEntity(ctx, "@"+p.Observer)
	if err == nil {
		err = b.InviteUsers(ctx, channel, []bridge.Entity{obs})
	}
	if err != nil {
		logger.Warnf("create_chat: invite observer @%s: %v", p.Observer, err)
		debug["observer"] = "error:" + err.Error()
		return
	}
	debug["observer"] = "ok"
}

// identsSample — первые две ссылки для логов и отладочного блока ответа.
func identsSample(idents []string) []string {
	if len(idents) > 2 {
		return idents[:2]
	}
	return idents
}
