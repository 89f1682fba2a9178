package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"

	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/infra/tasks"
	"telegram-gateway/internal/telegram/bridge"
)

type sendMediaRequest struct {
	UserID                flexID          `json:"user_id"`
	Username              string          `json:"username"`
	Files                 json.RawMessage `json:"files"`
	Caption               string          `json:"caption"`
	ParseMode             string          `json:"parse_mode"`
	DisableWebPagePreview bool            `json:"disable_web_page_preview"`
}

type mediaFileSpec struct {
	File              string `json:"file"`
	URL               string `json:"url"`
	Path              string `json:"path"`
	Filename          string `json:"filename"`
	ForceDocument     bool   `json:"force_document"`
	SupportsStreaming *bool  `json:"supports_streaming"`
}

// mediaFile — элемент files: голая строка или объект с метаданными.
type mediaFile struct {
	mediaFileSpec
}

func (m *mediaFile) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		m.mediaFileSpec = mediaFileSpec{File: s}
		return nil
	}
	return json.Unmarshal(data, &m.mediaFileSpec)
}

// ref — ссылка на содержимое в порядке предпочтения полей.
func (m mediaFileSpec) ref() string {
	switch {
	case m.File != "":
		return m.File
	case m.URL != "":
		return m.URL
	default:
		return m.Path
	}
}

// hint — строка для догадки о типе содержимого: имя файла, затем ссылка.
func (m mediaFileSpec) hint() string {
	if m.Filename != "" {
		return m.Filename
	}
	return m.ref()
}

// Ссылки на посты каналов: t.me/<канал>/<номер> и telegram.me/….
var tgPostLinks = []*regexp.Regexp{
	regexp.MustCompile(`^(?:https?://)?t\.me/([^/]+)/(\d+)$`),
	regexp.MustCompile(`^(?:https?://)?telegram\.me/([^/]+)/(\d+)$`),
}

// parsePostLink распознаёт ссылку на пост канала.
func parsePostLink(link string) (channel string, msgID int, ok bool) {
	link = strings.TrimSpace(link)
	for _, re := range tgPostLinks {
		if m := re.FindStringSubmatch(link); m != nil {
			id, err := strconv.Atoi(m[2])
			if err != nil {
				return "", 0, false
			}
			return m[1], id, true
		}
	}
	return "", 0, false
}

// normalizeMediaFiles переводит элементы files в элементы отправки. Посты
// каналов пересылаются без перезаливки. Единственный файл без явных флагов
// помечается стримимым, когда ссылка похожа на видео.
func normalizeMediaFiles(files []mediaFile) ([]bridge.MediaItem, error) {
	items := make([]bridge.MediaItem, 0, len(files))
	for _, f := range files {
		ref := f.ref()
		if ref == "" {
			return nil, errors.New("empty file reference")
		}
		item := bridge.MediaItem{
			Filename:      f.Filename,
			ForceDocument: f.ForceDocument,
		}
		if f.SupportsStreaming != nil {
			item.SupportsStreaming = *f.SupportsStreaming
		}
		if ch, id, ok := parsePostLink(ref); ok {
			item.PostChannel = ch
			item.PostMsgID = id
		} else {
			item.Ref = ref
		}
		items = append(items, item)
	}
	if len(items) == 1 && files[0].SupportsStreaming == nil && !files[0].ForceDocument {
		if bridge.LooksLikeVideo(files[0].hint()) {
			items[0].SupportsStreaming = true
		}
	}
	return items, nil
}

// SendMedia — POST /send_media: файлы, ссылки и посты каналов с подписью
// в адрес пользователя или канала.
func (p *Platform) SendMedia(ctx context.Context, body []byte) (int, map[string]any) {
	var req sendMediaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, map[string]any{"status": "error", "error": "Invalid JSON: " + err.Error()}
	}

	var userID int64
	hasUserID := false
	if !req.UserID.Empty() {
		v, ok := req.UserID.Int64()
		if !ok {
			return http.StatusBadRequest, map[string]any{"status": "error", "error": "user_id must be integer"}
		}
		userID = v
		hasUserID = true
	}
	username := strings.TrimSpace(req.Username)
	if !hasUserID && username == "" {
		return http.StatusBadRequest, map[string]any{"status": "error", "error": "Specify 'user_id' or 'username'"}
	}

	var files []mediaFile
	if len(req.Files) == 0 || json.Unmarshal(req.Files, &files) != nil || len(files) == 0 {
		return http.StatusBadRequest, map[string]any{"status": "error", "error": "files must be a non-empty list"}
	}

	if hasUserID {
		if left, err := p.Registry.IsLeft(ctx, strconv.FormatInt(userID, 10)); err == nil && left {
			logger.Infof("send_media skipped: chat %d already left", userID)
			return http.StatusOK, map[string]any{"status": "skipped", "reason": "chat already left"}
		}
	}

	// Ключ операций в реестре и значение recipient в ответе.
	chatKey := username
	var recipient any = username
	if hasUserID && userID != 0 {
		chatKey = strconv.FormatInt(userID, 10)
		recipient = userID
	}
	recipientRef := strings.TrimPrefix(username, "@")
	if recipientRef == "" {
		recipientRef = strconv.FormatInt(userID, 10)
	}

	b, err := p.Router.PickForRecipient(ctx, "send_media", chatKey)
	if err != nil {
		return http.StatusServiceUnavailable, map[string]any{"status": "error", "error": err.Error()}
	}

	items, err := normalizeMediaFiles(files)
	if err != nil {
		p.Router.HandleError(ctx, b, chatKey, "send_media", err)
		p.saveFailed(ctx, "send_media", "/send_media", body, err.Error())
		return http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()}
	}

	parseMode := strings.ToLower(strings.TrimSpace(req.ParseMode))
	if parseMode == "" {
		parseMode = "html"
	}
	caption := bridge.TextMessage{
		Text:           req.Caption,
		ParseMode:      parseMode,
		DisablePreview: req.DisableWebPagePreview,
	}

	out, err := p.trySendMedia(b, recipientRef, items, caption, chatKey, recipient)
	if err == nil {
		return http.StatusOK, out
	}
	if errors.Is(err, tasks.ErrTimeout) {
		return timeoutResponse("send_media")
	}

	// FloodWait: мост в карантин и веер по всем оставшимся здоровым.
	if seconds, ok := floodSeconds(err); ok {
		p.Router.HandleError(ctx, b, chatKey, "send_media", err)
		for _, fb := range p.Pool.HealthyExcept("send_media", b.Account()) {
			out, ferr := p.trySendMedia(fb, recipientRef, items, caption, chatKey, recipient)
			if ferr == nil {
				return http.StatusOK, out
			}
			if errors.Is(ferr, tasks.ErrTimeout) {
				return timeoutResponse("send_media")
			}
			logger.Warnf("send_media: fallback %s failed: %v", fb.Account(), ferr)
		}
		botChat := "@" + recipientRef
		if hasUserID && userID != 0 {
			botChat = chatKey
		}
		if out, ok := p.sendMediaViaBot(ctx, items, caption, botChat, recipient); ok {
			return http.StatusOK, out
		}
		p.saveFailed(ctx, "send_media", "/send_media", body, fmt.Sprintf("FloodWait %ds (all accounts)", seconds))
		return http.StatusTooManyRequests, map[string]any{"status": "error", "error": "FloodWait", "retry_after": seconds}
	}

	// Доменные ошибки падают одинаково на любом аккаунте: без failover,
	// запрос в журнал и точный HTTP-статус.
	if isFileRefExpired(err) {
		p.saveFailed(ctx, "send_media", "/send_media", body, "File reference expired")
		return http.StatusGone, map[string]any{"status": "error", "error": "File reference expired. Re-fetch the post or use a fresh link."}
	}
	if tgerr.Is(err, "USERNAME_NOT_OCCUPIED") {
		p.saveFailed(ctx, "send_media", "/send_media", body, "Channel/username not found")
		return http.StatusNotFound, map[string]any{"status": "error", "error": "Channel/username not found"}
	}
	if tgerr.Is(err, "PEER_ID_INVALID") {
		p.saveFailed(ctx, "send_media", "/send_media", body, "Invalid peer")
		return http.StatusBadRequest, map[string]any{"status": "error", "error": "Invalid peer (user_id/username)"}
	}

	// Получатель не резолвится: другой аккаунт может знать его.
	if errors.Is(err, bridge.ErrCannotResolve) {
		logger.Warnf("send_media: entity %s not found on %s, trying failover", chatKey, b.Account())
		for _, fb := range p.Pool.HealthyExcept("send_media", b.Account()) {
			out, ferr := p.trySendMedia(fb, recipientRef, items, caption, chatKey, recipient)
			if ferr == nil {
				return http.StatusOK, out
			}
			if errors.Is(ferr, tasks.ErrTimeout) {
				return timeoutResponse("send_media")
			}
			logger.Warnf("send_media: fallback %s failed: %v", fb.Account(), ferr)
		}
	}

	p.Router.HandleError(ctx, b, chatKey, "send_media", err)
	logger.Errorf("send_media failed: %v", err)
	p.saveFailed(ctx, "send_media", "/send_media", body, err.Error())
	return http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()}
}

// sendMediaViaBot — последний рубеж для медиа: каждый файл уходит отдельным
// сообщением от имени бота, подпись на первом. Работает только когда все
// элементы — прямые http(s)-ссылки: их скачивает сама площадка Bot API,
// а перезаливать локальные файлы или копировать посты бот не умеет.
func (p *Platform) sendMediaViaBot(ctx context.Context, items []bridge.MediaItem, caption bridge.TextMessage, chat string, recipient any) (map[string]any, bool) {
	if p.Fallback == nil {
		return nil, false
	}
	for _, it := range items {
		if it.PostChannel != "" {
			return nil, false
		}
		if !strings.HasPrefix(it.Ref, "http://") && !strings.HasPrefix(it.Ref, "https://") {
			return nil, false
		}
	}

	ids := make([]int, 0, len(items))
	for i, it := range items {
		text := ""
		if i == 0 {
			text = caption.Text
		}
		msgID, err := p.Fallback.SendMediaByURL(ctx, chat, it.Ref, text, caption.ParseMode, it.ForceDocument)
		if err != nil {
			logger.Warnf("send_media: bot fallback failed on %s: %v", it.Ref, err)
			return nil, false
		}
		ids = append(ids, msgID)
	}
	logger.Infof("send_media delivered via bot fallback: chat=%s files=%d", chat, len(ids))
	return map[string]any{
		"status":      "ok",
		"recipient":   recipient,
		"message_ids": ids,
		"count":       len(ids),
		"via":         "bot_api",
	}, true
}

func (p *Platform) trySendMedia(b *bridge.Bridge, recipientRef string, items []bridge.MediaItem, caption bridge.TextMessage, chatKey string, recipient any) (map[string]any, error) {
	return p.runOn(b, sendMediaWait, func(ctx context.Context) (map[string]any, error) {
		to, err := b.GetEntity(ctx, recipientRef)
		if err != nil {
			return nil, err
		}
		var ids []int
		if len(items) == 1 {
			ids, err = b.SendFile(ctx, to, items[0], caption)
		} else {
			ids, err = b.SendAlbum(ctx, to, items, caption)
		}
		if err != nil {
			return nil, err
		}
		p.Router.HandleSuccess(ctx, b, chatKey, "send_media")
		return map[string]any{
			"status":      "ok",
			"recipient":   recipient,
			"message_ids": ids,
			"count":       len(ids),
		}, nil
	})
}
