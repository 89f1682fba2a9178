// Package salebot отправляет колбэк с инвайт-ссылкой после создания чата.
// Доставка асинхронная: create_chat кладёт колбэк в очередь и отвечает
// клиенту, фоновый воркер отправляет POST с таймаутом. Неудачи не теряются —
// они записываются в failed_requests и повторяются с дашборда.
package salebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/registry"
)

const (
	requestTimeout = 15 * time.Second
	queueSize      = 64

	saveTimeout = 5 * time.Second
)

// callback — одно уведомление Salebot о готовой инвайт-ссылке.
type callback struct {
	ClientTgID string
	InviteLink string
}

// Notifier — очередь колбэков с одним фоновым воркером.
type Notifier struct {
	url     string
	groupID string
	reg     *registry.Registry
	client  *http.Client

	queue chan callback

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New создаёт нотификатор. url — SALEBOT_CALLBACK_URL, groupID —
// SALEBOT_GROUP_ID (идентификатор бота на стороне Salebot).
func New(url, groupID string, reg *registry.Registry) *Notifier {
	return &Notifier{
		url:     url,
		groupID: groupID,
		reg:     reg,
		client:  &http.Client{Timeout: requestTimeout},
		queue:   make(chan callback, queueSize),
		done:    make(chan struct{}),
	}
}

// Start запускает воркер доставки.
func (n *Notifier) Start(ctx context.Context) {
	n.startOnce.Do(func() {
		ctx, n.cancel = context.WithCancel(ctx)
		go n.run(ctx)
		logger.Infof("Salebot notifier started: %s", n.url)
	})
}

// Stop останавливает воркер. Недоставленные колбэки уходят в failed_requests.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
			<-n.done
		}
	})
}

// Enqueue ставит колбэк в очередь. Не блокируется: при переполненной
// очереди колбэк сразу записывается как неудачный запрос.
func (n *Notifier) Enqueue(clientTgID, inviteLink string) {
	cb := callback{ClientTgID: clientTgID, InviteLink: inviteLink}
	select {
	case n.queue <- cb:
	default:
		logger.Warnf("Salebot queue full, persisting callback for user %s", clientTgID)
		n.persistFailed(cb, "queue overflow")
	}
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	for {
		select {
		case <-ctx.Done():
			n.drainToRegistry()
			return
		case cb := <-n.queue:
			if err := n.deliver(ctx, cb); err != nil {
				logger.Errorf("Salebot callback failed for user %s: %v", cb.ClientTgID, err)
				n.persistFailed(cb, err.Error())
			}
		}
	}
}

// drainToRegistry сохраняет всё, что осталось в очереди на момент остановки.
func (n *Notifier) drainToRegistry() {
	for {
		select {
		case cb := <-n.queue:
			n.persistFailed(cb, "shutdown before delivery")
		default:
			return
		}
	}
}

// deliver выполняет POST и трактует любой не-2xx как неудачу.
func (n *Notifier) deliver(ctx context.Context, cb callback) error {
	payload, err := json.Marshal(n.payload(cb))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("salebot returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	logger.Infof("Salebot callback sent: user=%s status=%d", cb.ClientTgID, resp.StatusCode)
	return nil
}

func (n *Notifier) payload(cb callback) map[string]any {
	return map[string]any{
		"message":     "send_invite_link",
		"user_id":     cb.ClientTgID,
		"group_id":    n.groupID,
		"tg_business": 1,
		"invite_link": cb.InviteLink,
	}
}

// persistFailed кладёт колбэк в failed_requests; повтор доступен с дашборда,
// endpoint хранит полный URL.
func (n *Notifier) persistFailed(cb callback, errText string) {
	payload, err := json.Marshal(n.payload(cb))
	if err != nil {
		logger.Errorf("Salebot payload marshal failed: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := n.reg.SaveFailedRequest(ctx, "salebot", "outbound", n.url, payload, errText); err != nil {
		logger.Errorf("Failed to persist salebot callback: %v", err)
	}
}
