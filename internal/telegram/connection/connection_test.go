package connection_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"

	"telegram-gateway/internal/telegram/connection"
)

func TestIsNetworkError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connDead", err: pool.ErrConnDead, want: true},
		{name: "engineClosed", err: rpc.ErrEngineClosed, want: true},
		{name: "wrappedConnDead", err: errors.Wrap(pool.ErrConnDead, "invoke"), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "opError", err: &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "rpcError", err: errors.New("CHAT_ADMIN_REQUIRED"), want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := connection.IsNetworkError(tc.err); got != tc.want {
				t.Fatalf("IsNetworkError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsPersistentTimestampGap(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "classNameForm", err: errors.New("PersistentTimestampOutdated: state invalid"), want: true},
		{name: "textForm", err: errors.New("got persistent timestamp empty"), want: true},
		{name: "other", err: errors.New("FLOOD_WAIT_30"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := connection.IsPersistentTimestampGap(tc.err); got != tc.want {
				t.Fatalf("IsPersistentTimestampGap(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestMonitorTransitions(t *testing.T) {
	t.Parallel()

	m := connection.NewMonitor(context.Background(), "main:send_text", nil)
	t.Cleanup(m.Shutdown)

	if !m.Online() {
		t.Fatal("new monitor must start online")
	}

	// HandleError игнорирует не-сетевые ошибки.
	if m.HandleError(errors.New("CHAT_ADMIN_REQUIRED")) {
		t.Fatal("HandleError(rpc error) = true, want false")
	}
	if !m.Online() {
		t.Fatal("monitor went offline on non-network error")
	}

	if !m.HandleError(pool.ErrConnDead) {
		t.Fatal("HandleError(conn dead) = false, want true")
	}
	if m.Online() {
		t.Fatal("monitor still online after network error")
	}

	// В офлайне WaitOnline блокируется до отмены контекста.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	m.WaitOnline(ctx)
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("WaitOnline returned before context cancellation while offline")
	}

	// Восстановление будит ожидателей.
	released := make(chan struct{})
	go func() {
		m.WaitOnline(context.Background())
		close(released)
	}()
	time.Sleep(10 * time.Millisecond)
	m.MarkConnected()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("WaitOnline not released after MarkConnected")
	}
	if !m.Online() {
		t.Fatal("monitor offline after MarkConnected")
	}

	// В онлайне WaitOnline возвращается сразу.
	start = time.Now()
	m.WaitOnline(context.Background())
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("WaitOnline blocked while online")
	}
}
