package router_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"

	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/registry"
	"telegram-gateway/internal/telegram/pool"
	"telegram-gateway/internal/telegram/router"
)

// newTestRouter собирает маршрутизатор на настоящем пуле (клиенты не
// подключаются — мосты только конструируются) и настоящем реестре в
// временном каталоге.
func newTestRouter(t *testing.T) (*router.Router, *pool.Pool, *registry.Registry) {
	t.Helper()

	dir := t.TempDir()
	env := config.EnvConfig{SessionDir: dir, ThrottleRPS: 10}
	accounts := []config.Account{
		{
			Name: "main", APIID: 1, APIHash: "hash", Priority: 1,
			Sessions: map[string]string{
				"create_chat": "main_create.session",
				"send_text":   "main_text.session",
			},
		},
		{
			Name: "backup1", APIID: 1, APIHash: "hash", Priority: 2,
			Sessions: map[string]string{
				"create_chat": "b1_create.session",
				"send_text":   "b1_text.session",
			},
		},
	}

	p, err := pool.New(accounts, env)
	if err != nil {
		t.Fatalf("pool.New() = %v", err)
	}
	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatalf("registry.Open() = %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	return router.New(p, reg), p, reg
}

func markHealthy(t *testing.T, p *pool.Pool, service string, accounts ...string) {
	t.Helper()
	for _, account := range accounts {
		b, ok := p.Get(service, account)
		if !ok {
			t.Fatalf("bridge %s:%s is missing", account, service)
		}
		b.Health().SetHealthy()
	}
}

func TestPickForChatAffinity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, p, reg := newTestRouter(t)
	markHealthy(t, p, "send_text", "main", "backup1")

	if err := reg.Assign(ctx, "-100123", "backup1", "Чат клиента", ""); err != nil {
		t.Fatalf("Assign() = %v", err)
	}

	// Владелец здоров: привязка побеждает приоритет и загрузку.
	b, err := r.PickForChat(ctx, "send_text", "-100123")
	if err != nil {
		t.Fatalf("PickForChat() = %v", err)
	}
	if got := b.Account(); got != "backup1" {
		t.Fatalf("PickForChat() account = %q, want %q", got, "backup1")
	}
	if events, _ := reg.FailoverEvents(ctx, 10); len(events) != 0 {
		t.Fatalf("FailoverEvents() = %d rows, want 0", len(events))
	}
}

func TestPickForChatFailover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, p, reg := newTestRouter(t)
	markHealthy(t, p, "send_text", "backup1")

	owner, _ := p.Get("send_text", "main")
	owner.Health().MarkBanned()

	if err := reg.Assign(ctx, "-100777", "main", "Чат клиента", ""); err != nil {
		t.Fatalf("Assign() = %v", err)
	}

	b, err := r.PickForChat(ctx, "send_text", "-100777")
	if err != nil {
		t.Fatalf("PickForChat() = %v", err)
	}
	if got := b.Account(); got != "backup1" {
		t.Fatalf("PickForChat() account = %q, want %q", got, "backup1")
	}

	// Владелец переписан, в журнале ровно одно событие failover.
	if got, _ := reg.GetAccount(ctx, "-100777"); got != "backup1" {
		t.Fatalf("GetAccount() after failover = %q, want %q", got, "backup1")
	}
	events, err := reg.FailoverEvents(ctx, 10)
	if err != nil {
		t.Fatalf("FailoverEvents() = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("FailoverEvents() = %d rows, want 1", len(events))
	}
	ev := events[0]
	if ev.ChatID != "-100777" || ev.FromAccount != "main" || ev.ToAccount != "backup1" {
		t.Fatalf("failover row = %+v", ev)
	}
}

func TestPickForChatWithoutOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, p, _ := newTestRouter(t)
	markHealthy(t, p, "send_text", "main", "backup1")

	// Привязки нет: берётся наименее загруженный (при равенстве — приоритет).
	b, err := r.PickForChat(ctx, "send_text", "-100999")
	if err != nil {
		t.Fatalf("PickForChat() = %v", err)
	}
	if got := b.Account(); got != "main" {
		t.Fatalf("PickForChat() account = %q, want %q", got, "main")
	}
}

func TestPickForRecipientAffinity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, p, reg := newTestRouter(t)
	markHealthy(t, p, "send_text", "main", "backup1")

	if err := reg.Assign(ctx, "777", "backup1", "Личка клиента", ""); err != nil {
		t.Fatalf("Assign() = %v", err)
	}

	// Закреплённый получатель уходит владельцу, а не наименее загруженному.
	b, err := r.PickForRecipient(ctx, "send_text", "777")
	if err != nil {
		t.Fatalf("PickForRecipient() = %v", err)
	}
	if got := b.Account(); got != "backup1" {
		t.Fatalf("PickForRecipient() account = %q, want %q", got, "backup1")
	}

	// Незнакомый получатель — наименее загруженный: у backup1 уже один
	// активный чат, поэтому побеждает main.
	b, err = r.PickForRecipient(ctx, "send_text", "888")
	if err != nil {
		t.Fatalf("PickForRecipient() = %v", err)
	}
	if got := b.Account(); got != "main" {
		t.Fatalf("PickForRecipient() account = %q, want %q", got, "main")
	}
}

func TestPickForRecipientFailover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, p, reg := newTestRouter(t)
	markHealthy(t, p, "send_text", "backup1")

	owner, _ := p.Get("send_text", "main")
	owner.Health().MarkBanned()

	if err := reg.Assign(ctx, "777", "main", "Личка клиента", ""); err != nil {
		t.Fatalf("Assign() = %v", err)
	}

	b, err := r.PickForRecipient(ctx, "send_text", "777")
	if err != nil {
		t.Fatalf("PickForRecipient() = %v", err)
	}
	if got := b.Account(); got != "backup1" {
		t.Fatalf("PickForRecipient() account = %q, want %q", got, "backup1")
	}
	if got, _ := reg.GetAccount(ctx, "777"); got != "backup1" {
		t.Fatalf("GetAccount() after failover = %q, want %q", got, "backup1")
	}
	if events, _ := reg.FailoverEvents(ctx, 10); len(events) != 1 {
		t.Fatalf("FailoverEvents() = %d rows, want 1", len(events))
	}
}

func TestLeastLoadedFollowsRegistryCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, p, reg := newTestRouter(t)
	markHealthy(t, p, "send_text", "main", "backup1")

	// У main два активных чата, у backup1 ни одного: несмотря на приоритет
	// main, безвладельный чат достаётся backup1.
	for _, chatID := range []string{"-100111", "-100222"} {
		if err := reg.Assign(ctx, chatID, "main", "Сделка", ""); err != nil {
			t.Fatalf("Assign(%s) = %v", chatID, err)
		}
	}

	b, err := r.PickForChat(ctx, "send_text", "-100333")
	if err != nil {
		t.Fatalf("PickForChat() = %v", err)
	}
	if got := b.Account(); got != "backup1" {
		t.Fatalf("PickForChat() account = %q, want %q", got, "backup1")
	}
}

func TestPickForChatKeepsOwnerWithoutReplacement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, p, reg := newTestRouter(t)

	owner, _ := p.Get("send_text", "main")
	owner.Health().MarkBanned()

	if err := reg.Assign(ctx, "-100777", "main", "Чат клиента", ""); err != nil {
		t.Fatalf("Assign() = %v", err)
	}

	// Здоровой замены нет: чат остаётся за нездоровым владельцем,
	// без переписывания и записей в журнал failover.
	b, err := r.PickForChat(ctx, "send_text", "-100777")
	if err != nil {
		t.Fatalf("PickForChat() = %v", err)
	}
	if got := b.Account(); got != "main" {
		t.Fatalf("PickForChat() account = %q, want %q", got, "main")
	}
	if got, _ := reg.GetAccount(ctx, "-100777"); got != "main" {
		t.Fatalf("GetAccount() = %q, want owner untouched", got)
	}
	if events, _ := reg.FailoverEvents(ctx, 10); len(events) != 0 {
		t.Fatalf("FailoverEvents() = %d rows, want 0", len(events))
	}
}

func TestPickForChatNoHealthyBridges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _, _ := newTestRouter(t)

	if _, err := r.PickForChat(ctx, "send_text", "-100555"); !errors.Is(err, router.ErrNoHealthyBridge) {
		t.Fatalf("PickForChat() error = %v, want ErrNoHealthyBridge", err)
	}
	if _, err := r.PickForCreate(ctx); !errors.Is(err, router.ErrNoHealthyBridge) {
		t.Fatalf("PickForCreate() error = %v, want ErrNoHealthyBridge", err)
	}
	if _, err := r.PickForRecipient(ctx, "send_text", ""); !errors.Is(err, router.ErrNoHealthyBridge) {
		t.Fatalf("PickForRecipient() error = %v, want ErrNoHealthyBridge", err)
	}
}

func TestPickForCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, p, _ := newTestRouter(t)
	markHealthy(t, p, "create_chat", "main", "backup1")

	b, err := r.PickForCreate(ctx)
	if err != nil {
		t.Fatalf("PickForCreate() = %v", err)
	}
	if got := b.Service(); got != "create_chat" {
		t.Fatalf("PickForCreate() service = %q, want %q", got, "create_chat")
	}
	if !b.Health().IsHealthy() {
		t.Fatal("PickForCreate() returned unhealthy bridge")
	}
}

func TestHandleErrorClassification(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, p, reg := newTestRouter(t)
	markHealthy(t, p, "send_text", "main", "backup1")

	flooded, _ := p.Get("send_text", "main")
	r.HandleError(ctx, flooded, "-1001", "send_text", tgerr.New(420, "FLOOD_WAIT_30"))
	if got := flooded.Health().FloodRemaining(); got <= 0 || got > 30 {
		t.Fatalf("FloodRemaining() = %d, want within (0, 30]", got)
	}

	banned, _ := p.Get("send_text", "backup1")
	r.HandleError(ctx, banned, "-1002", "send_text", tgerr.New(403, "USER_DEACTIVATED_BAN"))
	if banned.Health().IsHealthy() {
		t.Fatal("banned bridge should be unhealthy")
	}

	plain, _ := p.Get("create_chat", "main")
	plain.Health().SetHealthy()
	r.HandleError(ctx, plain, "-1003", "create_chat", errors.New("connection reset"))
	if got := plain.Health().ErrorCount(); got != 1 {
		t.Fatalf("ErrorCount() = %d, want 1", got)
	}

	ops, err := reg.RecentOperations(ctx, 10)
	if err != nil {
		t.Fatalf("RecentOperations() = %v", err)
	}
	statuses := make(map[string]string, len(ops))
	for _, op := range ops {
		statuses[op.ChatID] = op.Status
	}
	want := map[string]string{"-1001": "flood_wait", "-1002": "banned", "-1003": "error"}
	for chatID, wantStatus := range want {
		if statuses[chatID] != wantStatus {
			t.Fatalf("operation status for %s = %q, want %q", chatID, statuses[chatID], wantStatus)
		}
	}
}

func TestHandleSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, p, reg := newTestRouter(t)
	markHealthy(t, p, "send_text", "main")

	b, _ := p.Get("send_text", "main")
	b.Health().MarkError(errors.New("first try failed"))
	r.HandleSuccess(ctx, b, "-1004", "send_text")

	if got := b.Health().ErrorCount(); got != 0 {
		t.Fatalf("ErrorCount() after success = %d, want 0", got)
	}
	if got := b.Health().Operations(); got != 1 {
		t.Fatalf("Operations() = %d, want 1", got)
	}
	ops, err := reg.RecentOperations(ctx, 10)
	if err != nil || len(ops) != 1 {
		t.Fatalf("RecentOperations() = (%d rows, %v), want 1 row", len(ops), err)
	}
	if ops[0].Status != "ok" || ops[0].AccountName != "main" {
		t.Fatalf("operation row = %+v", ops[0])
	}
}
