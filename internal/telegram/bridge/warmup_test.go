package bridge_test

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/telegram/bridge"
)

// fakeRegistrar собирает привязки в память вместо SQLite.
type fakeRegistrar struct {
	assigned map[string]string // chat_id → title
	ops      []string
	failID   string // AssignIfNotExists для этого chat_id возвращает ошибку
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{assigned: make(map[string]string)}
}

func (f *fakeRegistrar) AssignIfNotExists(_ context.Context, chatID, _, title string) (bool, error) {
	if chatID == f.failID {
		return false, errors.New("database is locked")
	}
	if _, ok := f.assigned[chatID]; ok {
		return false, nil
	}
	f.assigned[chatID] = title
	return true, nil
}

func (f *fakeRegistrar) LogOperation(_ context.Context, _, _, operation, status, detail string) error {
	f.ops = append(f.ops, operation+"/"+status+": "+detail)
	return nil
}

func newTestBridge(t *testing.T) *bridge.Bridge {
	t.Helper()

	acct := config.Account{
		Name:     "main",
		APIID:    1,
		APIHash:  "hash",
		Phone:    "+70000000001",
		Priority: 1,
		Sessions: map[string]string{"send_text": "main_text.session"},
	}
	env := config.EnvConfig{SessionDir: t.TempDir(), ThrottleRPS: 10}
	b, err := bridge.New(acct, "send_text", env)
	if err != nil {
		t.Fatalf("bridge.New() = %v", err)
	}
	return b
}

func TestSyncChatsRegistersGroups(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t)
	reg := newFakeRegistrar()
	b.SetRegistrar(reg)

	chats := []tg.ChatClass{
		&tg.Chat{ID: 555, Title: "Сделка №1"},
		&tg.Channel{ID: 777, Title: "Сделка №2", Megagroup: true},
		&tg.Channel{ID: 888, Title: "Новости", Broadcast: true},
		&tg.Chat{ID: 556, Title: "Мигрировавшая", Deactivated: true},
		&tg.Channel{ID: 778, Title: "Брошенная", Megagroup: true, Left: true},
		&tg.ChatForbidden{ID: 999},
	}

	if got := b.SyncChats(context.Background(), chats); got != 2 {
		t.Fatalf("SyncChats() = %d, want 2", got)
	}
	if title := reg.assigned["-555"]; title != "Сделка №1" {
		t.Fatalf("assigned[-555] = %q, want %q", title, "Сделка №1")
	}
	if title := reg.assigned["-1000000000777"]; title != "Сделка №2" {
		t.Fatalf("assigned[-1000000000777] = %q, want %q", title, "Сделка №2")
	}
	if len(reg.assigned) != 2 {
		t.Fatalf("assigned = %v, want exactly 2 entries", reg.assigned)
	}
	if len(reg.ops) != 1 || reg.ops[0] != "sync/ok: registered 2 chats" {
		t.Fatalf("ops = %v, want single sync summary", reg.ops)
	}
}

func TestSyncChatsIsIdempotent(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t)
	reg := newFakeRegistrar()
	b.SetRegistrar(reg)

	chats := []tg.ChatClass{&tg.Chat{ID: 555, Title: "Сделка"}}
	if got := b.SyncChats(context.Background(), chats); got != 1 {
		t.Fatalf("first SyncChats() = %d, want 1", got)
	}
	if got := b.SyncChats(context.Background(), chats); got != 0 {
		t.Fatalf("second SyncChats() = %d, want 0", got)
	}
	// Сводка в журнал пишется только когда появились новые привязки.
	if len(reg.ops) != 1 {
		t.Fatalf("ops = %v, want single summary after two runs", reg.ops)
	}
}

func TestSyncChatsWithoutRegistrar(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t)
	chats := []tg.ChatClass{&tg.Chat{ID: 1, Title: "Сделка"}}
	if got := b.SyncChats(context.Background(), chats); got != 0 {
		t.Fatalf("SyncChats() without registrar = %d, want 0", got)
	}
}

func TestSyncChatsSurvivesRegistryErrors(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t)
	reg := newFakeRegistrar()
	reg.failID = "-555"
	b.SetRegistrar(reg)

	chats := []tg.ChatClass{
		&tg.Chat{ID: 555, Title: "Битая"},
		&tg.Chat{ID: 556, Title: "Целая"},
	}
	if got := b.SyncChats(context.Background(), chats); got != 1 {
		t.Fatalf("SyncChats() = %d, want 1", got)
	}
	if _, ok := reg.assigned["-556"]; !ok {
		t.Fatalf("assigned = %v, want -556 present", reg.assigned)
	}
}
