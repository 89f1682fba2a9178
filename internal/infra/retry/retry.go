// Package retry — общий драйвер повторных попыток для RPC-вызовов Telegram.
// Повторяются только сетевые сбои (классификатор настраивается); между
// попытками выполняется переподключение клиента и фиксированная пауза.
// FLOOD_WAIT и ошибки авторизации здесь не ретраятся: их обрабатывает
// вышестоящий слой, выбирающий другой аккаунт.
package retry

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"telegram-gateway/internal/infra/logger"
)

// StopRetryer объявляет необходимость немедленно прекратить повторные попытки.
// Любая ошибка, реализующая этот интерфейс, возвращается вызывающему коду без задержек.
type StopRetryer interface {
	StopRetry() bool
}

// Option задаёт дополнительные параметры драйвера при создании.
type Option func(*Retrier)

// WithReconnect регистрирует хук переподключения, выполняемый между попытками.
// Хук обязан вернуть ошибку, если после переподключения авторизация потеряна.
func WithReconnect(fn func(context.Context) error) Option {
	return func(r *Retrier) {
		r.reconnect = fn
	}
}

// WithRetriable добавляет классификаторы ошибок, подлежащих повтору.
// Классификаторы вызываются по цепочке; достаточно одного совпадения.
func WithRetriable(fns ...func(error) bool) Option {
	return func(r *Retrier) {
		for _, fn := range fns {
			if fn != nil {
				r.retriable = append(r.retriable, fn)
			}
		}
	}
}

// Retrier выполняет функцию с ограниченным числом попыток и фиксированной
// паузой между ними. Потокобезопасен: Do может вызываться параллельно.
type Retrier struct {
	maxAttempts int
	delay       time.Duration

	reconnect func(context.Context) error
	retriable []func(error) bool
}

// New создаёт драйвер: maxAttempts — общее число попыток (включая первую),
// delay — пауза между попытками. Значения <=0 нормализуются к минимальным.
func New(maxAttempts int, delay time.Duration, opts ...Option) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if delay < 0 {
		delay = 0
	}

	r := &Retrier{
		maxAttempts: maxAttempts,
		delay:       delay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do выполняет fn с повторами. Алгоритм:
//  1. вызываем fn;
//  2. если err: StopRetryer или отмена контекста → вернуть сразу;
//     не сетевой сбой → вернуть сразу (FLOOD_WAIT, RPC-ошибки и т.п.);
//  3. иначе переподключаемся, ждём delay и повторяем до исчерпания попыток.
//
// Возвращает nil при успехе либо последнюю ошибку после всех попыток.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		callErr := fn(ctx)
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr
		case errors.Is(callErr, context.Canceled):
			return callErr
		case ctx.Err() != nil:
			// Родительский контекст мёртв: дальнейшие попытки бессмысленны.
			return callErr
		case !r.isRetriable(callErr):
			return callErr
		}

		lastErr = callErr
		logger.Warnf("Attempt %d/%d failed (network): %v", attempt, r.maxAttempts, callErr)

		if attempt == r.maxAttempts {
			break
		}
		if r.reconnect != nil {
			if rErr := r.reconnect(ctx); rErr != nil {
				return rErr
			}
		}
		if wErr := wait(ctx, r.delay); wErr != nil {
			return wErr
		}
	}
	return errors.Wrapf(lastErr, "retry: %d attempts exhausted", r.maxAttempts)
}

// isRetriable прогоняет ошибку по цепочке классификаторов.
func (r *Retrier) isRetriable(err error) bool {
	for _, fn := range r.retriable {
		if fn(err) {
			return true
		}
	}
	return false
}

// wait ждёт duration или отмену контекста.
func wait(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer stopTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// stopTimer безопасно останавливает таймер и дренирует его канал, если тик уже произошёл.
func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
