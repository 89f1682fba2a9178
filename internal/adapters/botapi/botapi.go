// Package botapi — запасной канал доставки через HTTP Bot API. Бот сидит
// администратором в созданных группах, поэтому остаётся на связи даже когда
// все пользовательские аккаунты забанены или сидят во flood_wait.
//
// Все вызовы идут через общий троттлер: токен-бакет по rps, серверный
// retry_after соблюдается ровно, постоянные ошибки (4xx кроме 429)
// прекращают повторы немедленно.
package botapi

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

	"github.com/go-faster/errors"

	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/infra/throttle"
)

// httpClientTimeout покрывает сетевые колебания, не зависая бесконечно
// на медленных соединениях.
const httpClientTimeout = 30 * time.Second

// maxResponseBytes ограничивает чтение тела ответа Bot API.
const maxResponseBytes = 64 << 10

// maxCallRetries — сколько повторов даётся одному вызову сверх первой
// попытки. Фоллбек работает внутри чужого HTTP-запроса, длинные серии
// ретраев здесь неуместны.
const maxCallRetries = 2

// Client — клиент Bot API одного бота. Start и Stop управляют жизненным
// циклом троттлера; до Start вызовы возвращают throttle.ErrNotStarted.
type Client struct {
	base      string
	client    *http.Client
	throttler *throttle.Throttler
}

// New создаёт клиента. rps задаёт целевую среднюю частоту запросов к Bot API.
func New(token string, rps int) *Client {
	return &Client{
		base: "https://api.telegram.org/bot" + token,
		client: &http.Client{
			Timeout: httpClientTimeout,
		},
		throttler: throttle.New(rps,
			throttle.WithMaxRetries(maxCallRetries),
			throttle.WithWaitExtractors(retryAfterExtractor()),
		),
	}
}

// Start запускает пополнение токен-бакета. Идемпотентен.
func (c *Client) Start(ctx context.Context) {
	c.throttler.Start(ctx)
}

// Stop останавливает троттлер и его фоновые горутины. Идемпотентен.
func (c *Client) Stop() {
	c.throttler.Stop()
}

// SendText отправляет текст от имени бота. Возвращает message_id.
func (c *Client) SendText(ctx context.Context, chat, text, parseMode string, disablePreview bool, replyTo int) (int, error) {
	payload := map[string]any{
		"chat_id":    botChatID(chat),
		"text":       text,
		"parse_mode": normalizeParseMode(parseMode),
	}
	if disablePreview {
		payload["disable_web_page_preview"] = true
	}
	if replyTo != 0 {
		payload["reply_to_message_id"] = replyTo
	}
	logger.Debugf("Bot API sendMessage to %s (len=%d)", chat, len(text))
	return c.call(ctx, "sendMessage", payload)
}

// Расширения, по которым угадывается метод отправки медиа.
var (
	photoExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}
	videoExts = []string{".mp4", ".mov", ".m4v", ".webm", ".mkv"}
)

// SendMediaByURL отправляет файл по прямой ссылке: метод подбирается по
// расширению, нераспознанное уходит документом. Содержимое по ссылке
// скачивает сама площадка Bot API.
func (c *Client) SendMediaByURL(ctx context.Context, chat, fileURL, caption, parseMode string, forceDocument bool) (int, error) {
	method, field := "sendDocument", "document"
	if !forceDocument {
		switch {
		case hasAnySuffix(fileURL, photoExts):
			method, field = "sendPhoto", "photo"
		case hasAnySuffix(fileURL, videoExts):
			method, field = "sendVideo", "video"
		}
	}

	payload := map[string]any{
		"chat_id": botChatID(chat),
		field:     fileURL,
	}
	if caption != "" {
		payload["caption"] = caption
		payload["parse_mode"] = normalizeParseMode(parseMode)
	}
	logger.Debugf("Bot API %s to %s: %.80s", method, chat, fileURL)
	return c.call(ctx, method, payload)
}

// apiResponse — конверт ответа Bot API. Из result нужен только message_id.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
	Result struct {
		MessageID int `json:"message_id"`
	} `json:"result"`
}

// call выполняет метод Bot API под троттлером и возвращает message_id
// отправленного сообщения.
func (c *Client) call(ctx context.Context, method string, payload map[string]any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	var msgID int
	err = c.throttler.Do(ctx, func() error {
		id, callErr := c.perform(ctx, method, body)
		if callErr != nil {
			return callErr
		}
		msgID = id
		return nil
	})
	return msgID, err
}

// perform делает один POST без троттлера и разбирает конверт ответа.
func (c *Client) perform(ctx context.Context, method string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+method, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, err
	}

	var api apiResponse
	if err := json.Unmarshal(respBody, &api); err != nil {
		// Не-JSON приходит от прокси и голых 5xx: классифицируем по
		// HTTP-статусу.
		desc := strings.TrimSpace(string(respBody))
		if desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		return 0, &Error{Code: resp.StatusCode, Description: desc}
	}
	if !api.OK {
		desc := strings.TrimSpace(api.Description)
		if desc == "" {
			desc = "(empty bot api description)"
		}
		code := api.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return 0, &Error{
			Code:        code,
			Description: desc,
			Retry:       time.Duration(api.Parameters.RetryAfter) * time.Second,
		}
	}
	return api.Result.MessageID, nil
}

// Error — ошибка Bot API: код, описание и серверная рекомендация паузы.
type Error struct {
	Code        int
	Description string
	Retry       time.Duration
}

func (e *Error) Error() string {
	if e.Retry > 0 {
		return fmt.Sprintf("bot api error %d: %s (retry after %s)", e.Code, e.Description, e.Retry)
	}
	return fmt.Sprintf("bot api error %d: %s", e.Code, e.Description)
}

// RetryAfter отдаёт серверную паузу; ноль — рекомендации не было.
func (e *Error) RetryAfter() time.Duration {
	return e.Retry
}

// StopRetry: большинство 4xx — постоянные ошибки, повторять их
// бессмысленно. 429 и любой ответ с retry_after остаются временными.
func (e *Error) StopRetry() bool {
	if e.Code == http.StatusTooManyRequests || e.Retry > 0 {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// retryAfterProvider — облегчённый контракт для ошибок, несущих серверный
// retry_after. Конкретный тип приводится через errors.As.
type retryAfterProvider interface {
	RetryAfter() time.Duration
}

// retryAfterExtractor отдаёт троттлеру точную серверную паузу из ошибки.
// Джиттер не добавляется: интервал, который прислал сервер, соблюдается
// ровно, чтобы не сдвигать окно повторных попыток.
func retryAfterExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		var provider retryAfterProvider
		if !errors.As(err, &provider) {
			return 0, false
		}
		wait := provider.RetryAfter()
		if wait <= 0 {
			return 0, false
		}
		return wait, true
	}
}

// botChatID приводит ссылку на чат к chat_id Bot API: числовые строки
// уходят числом, username — строкой как есть.
func botChatID(chat string) any {
	if v, err := strconv.ParseInt(chat, 10, 64); err == nil {
		return v
	}
	return chat
}

// normalizeParseMode — Bot API ждёт HTML, Markdown или MarkdownV2;
// пустое значение трактуется как HTML.
func normalizeParseMode(mode string) string {
	mode = strings.TrimSpace(mode)
	if mode == "" {
		return "HTML"
	}
	switch strings.ToLower(mode) {
	case "html":
		return "HTML"
	case "markdown", "md":
		return "Markdown"
	case "markdownv2":
		return "MarkdownV2"
	default:
		return strings.ToUpper(mode)
	}
}

// hasAnySuffix сверяет расширение, игнорируя регистр и query-хвост ссылки.
func hasAnySuffix(fileURL string, exts []string) bool {
	u := strings.ToLower(fileURL)
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	for _, ext := range exts {
		if strings.HasSuffix(u, ext) {
			return true
		}
	}
	return false
}
