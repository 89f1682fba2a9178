package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"telegram-gateway/internal/infra/retry"
)

var errNet = errors.New("connection reset")

type stopErr struct{ msg string }

func (e stopErr) Error() string   { return e.msg }
func (e stopErr) StopRetry() bool { return true }

func isNet(err error) bool { return errors.Is(err, errNet) }

func TestDoRetriesNetworkErrors(t *testing.T) {
	t.Parallel()

	var calls, reconnects int
	r := retry.New(3, time.Millisecond,
		retry.WithRetriable(isNet),
		retry.WithReconnect(func(context.Context) error {
			reconnects++
			return nil
		}),
	)

	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errNet
	})
	if !errors.Is(err, errNet) {
		t.Fatalf("Do() = %v, want wrapped %v", err, errNet)
	}
	if calls != 3 || reconnects != 2 {
		t.Fatalf("calls = %d, reconnects = %d, want 3 and 2", calls, reconnects)
	}
}

func TestDoRecoversAfterReconnect(t *testing.T) {
	t.Parallel()

	var calls int
	r := retry.New(3, time.Millisecond, retry.WithRetriable(isNet))

	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errNet
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestDoStopsImmediately(t *testing.T) {
	t.Parallel()

	floodErr := errors.New("FLOOD_WAIT_30")

	cases := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "nonRetriable", err: floodErr, wantErr: floodErr},
		{name: "stopRetryer", err: stopErr{msg: "account banned"}, wantErr: stopErr{msg: "account banned"}},
		{name: "contextCanceled", err: context.Canceled, wantErr: context.Canceled},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var calls, reconnects int
			r := retry.New(3, time.Millisecond,
				// Классификатор нарочно всеядный: Stop-ветки должны победить.
				retry.WithRetriable(func(error) bool { return tc.name == "stopRetryer" || tc.name == "contextCanceled" }),
				retry.WithReconnect(func(context.Context) error {
					reconnects++
					return nil
				}),
			)

			err := r.Do(context.Background(), func(context.Context) error {
				calls++
				return tc.err
			})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Do() = %v, want %v", err, tc.wantErr)
			}
			if calls != 1 || reconnects != 0 {
				t.Fatalf("calls = %d, reconnects = %d, want 1 and 0", calls, reconnects)
			}
		})
	}
}

func TestDoHonorsDeadParentContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	r := retry.New(3, time.Millisecond, retry.WithRetriable(isNet))

	err := r.Do(ctx, func(context.Context) error {
		calls++
		return errNet
	})
	if !errors.Is(err, errNet) {
		t.Fatalf("Do() = %v, want %v", err, errNet)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoReconnectFailurePropagates(t *testing.T) {
	t.Parallel()

	lostAuth := errors.New("client lost authorization")
	r := retry.New(3, time.Millisecond,
		retry.WithRetriable(isNet),
		retry.WithReconnect(func(context.Context) error { return lostAuth }),
	)

	err := r.Do(context.Background(), func(context.Context) error { return errNet })
	if !errors.Is(err, lostAuth) {
		t.Fatalf("Do() = %v, want %v", err, lostAuth)
	}
}
