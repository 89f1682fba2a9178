package throttle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"telegram-gateway/internal/infra/throttle"
)

var (
	errTransient = errors.New("bot api error 502: bad gateway")
	errFlood     = errors.New("bot api error 429: too many requests")
)

type finalErr struct{ msg string }

func (e finalErr) Error() string   { return e.msg }
func (e finalErr) StopRetry() bool { return true }

// floodWait распознаёт errFlood и просит миллисекундную паузу.
func floodWait(err error) (time.Duration, bool) {
	if errors.Is(err, errFlood) {
		return time.Millisecond, true
	}
	return 0, false
}

func TestDoBeforeStart(t *testing.T) {
	t.Parallel()

	th := throttle.New(10)
	err := th.Do(context.Background(), func() error { return nil })
	if !errors.Is(err, throttle.ErrNotStarted) {
		t.Fatalf("Do() = %v, want %v", err, throttle.ErrNotStarted)
	}
}

func TestDoSuccess(t *testing.T) {
	t.Parallel()

	th := throttle.New(100)
	th.Start(context.Background())
	defer th.Stop()

	var calls int
	err := th.Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoStopsOnFinalError(t *testing.T) {
	t.Parallel()

	th := throttle.New(100, throttle.WithMaxRetries(5))
	th.Start(context.Background())
	defer th.Stop()

	want := finalErr{msg: "bot api error 403: bot was kicked"}
	var calls int
	err := th.Do(context.Background(), func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("Do() = %v, want %v", err, want)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoHonorsServerWait(t *testing.T) {
	t.Parallel()

	// Лимит в один повтор: если бы серверные паузы расходовали попытки,
	// третий вызов не состоялся бы.
	th := throttle.New(100,
		throttle.WithMaxRetries(1),
		throttle.WithWaitExtractors(floodWait),
	)
	th.Start(context.Background())
	defer th.Stop()

	var calls int
	err := th.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errFlood
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoRetriesExhausted(t *testing.T) {
	t.Parallel()

	th := throttle.New(100,
		throttle.WithMaxRetries(1),
		// Нулевой джиттер даёт нижнюю границу бэкофа, тест короче.
		throttle.WithRandom(func() float64 { return 0 }),
	)
	th.Start(context.Background())
	defer th.Stop()

	var calls int
	err := th.Do(context.Background(), func() error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("Do() = %v, want wrapped %v", err, errTransient)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestDoContextCanceled(t *testing.T) {
	t.Parallel()

	th := throttle.New(100)
	th.Start(context.Background())
	defer th.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := th.Do(ctx, func() error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() = %v, want %v", err, context.Canceled)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
}

func TestStopUnblocksWaitingDo(t *testing.T) {
	t.Parallel()

	// Единственный токен уходит первому вызову, второй застревает в
	// ожидании пополнения и должен проснуться от Stop.
	th := throttle.New(1, throttle.WithBurst(1))
	th.Start(context.Background())

	if err := th.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}

	timer := time.AfterFunc(30*time.Millisecond, th.Stop)
	defer timer.Stop()

	start := time.Now()
	err := th.Do(context.Background(), func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() = %v, want %v", err, context.Canceled)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Do() unblocked after %v, want well before refill", elapsed)
	}
}
