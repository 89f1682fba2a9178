// Package throttle выравнивает темп обращений к внешним HTTP API.
// Запасной канал Bot API живёт под лимитами Telegram (порядка 30
// сообщений в секунду на бота), поэтому каждый вызов сначала получает
// токен бакета golang.org/x/time/rate, а сбои повторяются с
// экспоненциальным бэкофом и джиттером. Серверные паузы retry_after
// распознаются настраиваемыми WaitExtractor и выдерживаются ровно;
// ошибки, реализующие StopRetryer, прекращают повторы немедленно.
package throttle

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/time/rate"
)

// burstFactor задаёт ёмкость бакета по умолчанию относительно rps:
// кратковременно допускается всплеск до burstFactor*rps вызовов.
const burstFactor = 2

// ErrNotStarted возвращается из Do, если троттлер ещё не запущен.
var ErrNotStarted = errors.New("throttle: Do called before Start")

// WaitExtractor вытаскивает из ошибки серверную паузу перед повтором.
// Второе значение — признак того, что экстрактор распознал ошибку.
// Экстракторы опрашиваются в порядке регистрации, пауза берётся из
// первого совпавшего.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer помечает ошибку как окончательную: повторные попытки
// прекращаются, ошибка сразу уходит вызывающему коду.
type StopRetryer interface {
	StopRetry() bool
}

// Option настраивает троттлер при создании.
type Option func(*Throttler)

// WithMaxRetries ограничивает число повторов сверх первой попытки.
// Значение <=0 снимает ограничение.
func WithMaxRetries(n int) Option {
	return func(t *Throttler) {
		t.maxRetries = n
	}
}

// WithBurst переопределяет ёмкость токен-бакета. При burst <= 0
// остаётся значение по умолчанию burstFactor*rps.
func WithBurst(burst int) Option {
	return func(t *Throttler) {
		t.burst = burst
	}
}

// WithWaitExtractors регистрирует экстракторы серверных пауз.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) {
		for _, fn := range extractors {
			if fn != nil {
				t.extractors = append(t.extractors, fn)
			}
		}
	}
}

// WithRandom подменяет источник джиттера. Нужен детерминированным тестам.
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.random = fn
		}
	}
}

// Throttler выдаёт вызовам токены с заданным темпом и повторяет сбои:
// серверная пауза выдерживается ровно и не тратит попытку, остальное
// идёт через бэкоф с джиттером до исчерпания лимита. Do можно вызывать
// из многих горутин; Start и Stop идемпотентны.
type Throttler struct {
	limiter *rate.Limiter // токен-бакет: rps пополнения, burst ёмкости

	extractors []WaitExtractor // распознаватели серверных пауз в ошибках
	maxRetries int             // лимит повторов; -1 — без ограничения
	burst      int             // ёмкость бакета, нормализуется в New
	random     func() float64  // источник джиттера, подменяется в тестах

	startOnce sync.Once
	stopOnce  sync.Once

	mu      sync.Mutex // защищает rootCtx и cancel
	rootCtx context.Context
	cancel  context.CancelFunc
}

// New создаёт троттлер с темпом rps вызовов в секунду. Бакет стартует
// заполненным, так что первые burst вызовов проходят без ожидания.
// Пополнение начинается после Start.
func New(rps int, opts ...Option) *Throttler {
	if rps <= 0 {
		rps = 1
	}

	t := &Throttler{
		maxRetries: -1,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.burst < 1 {
		t.burst = rps * burstFactor
	}
	if t.random == nil {
		t.random = rand.Float64
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), t.burst)

	return t
}

// Start фиксирует корневой контекст троттлера; до этого момента Do
// отклоняет вызовы с ErrNotStarted. Идемпотентен, nil трактуется как
// context.Background().
func (t *Throttler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.startOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.rootCtx, t.cancel = context.WithCancel(ctx)
	})
}

// Stop отменяет корневой контекст: все ожидающие Do возвращают
// context.Canceled. Повторные вызовы безопасны, Stop до Start — no-op.
func (t *Throttler) Stop() {
	if t.root() == nil {
		return
	}
	t.stopOnce.Do(func() {
		t.cancel()
	})
}

// Do выполняет fn под лимитом токен-бакета, повторяя неудачи:
//
//  1. ждём токен (прерываемся по ctx или Stop);
//  2. вызываем fn; успех — выходим;
//  3. StopRetryer или сорванный контекст — отдаём ошибку сразу;
//     серверная пауза — выдерживаем ровно её, попытка не тратится;
//     прочее — экспоненциальный бэкоф с джиттером до лимита повторов.
//
// Возвращает nil при успехе либо последнюю ошибку после всех попыток.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	root := t.root()
	if root == nil {
		return ErrNotStarted
	}

	attempt := 0
	for {
		if err := t.acquire(ctx, root); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		serverWait, hasServerWait := t.serverWait(callErr)

		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr

		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return callErr

		case hasServerWait:
			// Сервер назвал срок сам: без джиттера и без расхода попытки.
			if err := t.sleep(ctx, root, serverWait); err != nil {
				return err
			}
			continue
		}

		if t.maxRetries > 0 && attempt >= t.maxRetries {
			return errors.Wrapf(callErr, "throttle: %d retries exhausted", t.maxRetries)
		}

		delay := t.backoff(attempt)
		attempt++
		if err := t.sleep(ctx, root, delay); err != nil {
			return err
		}
	}
}

// root возвращает корневой контекст под мьютексом; nil до Start.
func (t *Throttler) root() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootCtx
}

// acquire ждёт токен бакета. Остановка троттлера приравнивается к
// context.Canceled, как и в sleep.
func (t *Throttler) acquire(ctx, root context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	detach := context.AfterFunc(root, cancel)
	defer detach()

	if err := t.limiter.Wait(waitCtx); err != nil {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case root.Err() != nil:
			return context.Canceled
		}
		return err
	}
	return nil
}

// serverWait опрашивает экстракторы и возвращает первую распознанную паузу.
func (t *Throttler) serverWait(err error) (time.Duration, bool) {
	for _, extract := range t.extractors {
		if wait, ok := extract(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// sleep ждёт duration, прерываясь по внешнему контексту или Stop.
func (t *Throttler) sleep(ctx, root context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-root.Done():
		return context.Canceled
	case <-timer.C:
		return nil
	}
}

// backoff считает паузу перед повтором: 2^attempt секунд с потолком 60с,
// умноженные на джиттер из диапазона [0.85..1.15).
func (t *Throttler) backoff(attempt int) time.Duration {
	const (
		ceilingSeconds = 60.0
		jitterFloor    = 0.85
		jitterSpan     = 0.3
	)

	seconds := math.Pow(2, float64(attempt))
	if seconds > ceilingSeconds {
		seconds = ceilingSeconds
	}
	seconds *= jitterFloor + t.random()*jitterSpan
	return time.Duration(seconds * float64(time.Second))
}
