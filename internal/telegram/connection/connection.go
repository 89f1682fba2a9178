// Package connection — монитор состояния MTProto-соединения одного моста.
// У каждого моста свой клиент, поэтому монитор не глобален: экземпляр создаётся
// на мост и предоставляет:
//   - WaitOnline(ctx) — блокирует до восстановления связи, если клиент офлайн;
//   - MarkConnected/MarkDisconnected — явные переходы между состояниями;
//   - фоновую проверку с периодическими RPC-вызовами и детекцией сетевых сбоев;
//   - Reconnect — хук для retry-драйвера (пауза, ожидание, проверка авторизации).
//
// Монитор потокобезопасен: взаимодействие с ожидателями ведётся через снимки
// «поколенческого» wait-канала, а сетевые ошибки нормализуются через HandleError.
package connection

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"github.com/gotd/td/telegram"

	"telegram-gateway/internal/infra/logger"
)

const (
	// pingInterval определяет период, с которым выполняются легковесные RPC-вызовы
	// при ожидании восстановления соединения.
	pingInterval = 10 * time.Second
	// pingTimeout задаёт максимальное время ожидания ответа на RPC-вызов.
	pingTimeout = 5 * time.Second
)

// ErrAuthorizationLost возвращается из Reconnect, если после восстановления
// соединения сессия оказалась разлогинена.
var ErrAuthorizationLost = errors.New("client lost authorization")

// Monitor хранит ссылку на клиент моста, текущее состояние online/offline и
// «поколенческий» канал ожидания восстановления. Когда связь теряется, создаётся
// новый открытый канал и стартует monitorLoop; при восстановлении канал
// закрывается, что неблокирующим образом снимает всех ожидателей.
type Monitor struct {
	name   string           // метка моста для логов (account:service)
	client *telegram.Client // клиент для проверочных RPC-вызовов
	ctx    context.Context  // базовый контекст жизненного цикла монитора

	connected atomic.Bool

	mu            sync.RWMutex
	waitCh        chan struct{}
	monitorCancel context.CancelFunc
}

// NewMonitor создаёт монитор для клиента моста. Стартовое состояние — online:
// создаётся закрытый wait-канал, чтобы первые вызовы WaitOnline не блокировались.
func NewMonitor(ctx context.Context, name string, client *telegram.Client) *Monitor {
	m := &Monitor{
		name:   name,
		client: client,
		ctx:    ctx,
	}
	m.connected.Store(true)
	ready := make(chan struct{})
	close(ready)
	m.waitCh = ready
	return m
}

// Online сообщает текущее состояние соединения.
func (m *Monitor) Online() bool {
	return m != nil && m.connected.Load()
}

// MarkConnected переводит монитор в online, останавливает фоновую проверку и
// закрывает текущий wait-канал, разблокируя всех ожидателей. Идемпотентен.
func (m *Monitor) MarkConnected() {
	if m == nil {
		return
	}
	if m.connected.Swap(true) {
		return
	}

	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	ch := m.waitCh
	if ch == nil {
		ch = make(chan struct{})
		m.waitCh = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	m.mu.Unlock()

	logger.Infof("ConnectionMonitor[%s]: connection restored", m.name)
}

// MarkDisconnected атомарно переключает состояние из online в offline, создаёт
// новое «поколение» wait-канала и запускает monitorLoop в отдельной горутине.
// Идемпотентен: если уже офлайн — ничего не делает.
func (m *Monitor) MarkDisconnected() {
	if m == nil {
		return
	}
	if !m.connected.CompareAndSwap(true, false) {
		return
	}

	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	// Новое поколение канала ожидания: открытый канал = офлайн.
	m.waitCh = make(chan struct{})
	monitorCtx, cancel := context.WithCancel(m.ctx)
	m.monitorCancel = cancel
	m.mu.Unlock()

	logger.Debugf("ConnectionMonitor[%s]: connection lost, waiting for restore", m.name)
	go m.monitorLoop(monitorCtx)
}

// WaitOnline блокирует вызывающую горутину до восстановления соединения или
// отмены контекста. Если уже online, возвращает сразу. Если мы проснулись по
// старому закрытому каналу, цикл продолжится до закрытия канала текущего поколения.
func (m *Monitor) WaitOnline(ctx context.Context) {
	if m == nil || ctx == nil || ctx.Err() != nil {
		return
	}
	if m.connected.Load() {
		return
	}

	logger.Debugf("ConnectionMonitor[%s]: WaitOnline blocking", m.name)
	for {
		ch := m.currentWaitCh()
		select {
		case <-ctx.Done():
			logger.Debugf("ConnectionMonitor[%s]: WaitOnline context done before reconnect: %v", m.name, ctx.Err())
			return
		case <-ch:
			if ch == m.currentWaitCh() {
				logger.Debugf("ConnectionMonitor[%s]: WaitOnline resumed", m.name)
				return
			}
			// Попали на старый закрытый канал — ждём дальше.
		}
	}
}

// HandleError анализирует ошибку RPC-слоя. Если она свидетельствует о разрыве
// соединения, монитор переводится в offline и возвращается true.
func (m *Monitor) HandleError(err error) bool {
	if !IsNetworkError(err) {
		return false
	}
	m.MarkDisconnected()
	return true
}

// Reconnect — хук retry-драйвера: фиксирует разрыв, выдерживает паузу pause,
// блокируется до восстановления соединения и проверяет, что авторизация цела.
func (m *Monitor) Reconnect(ctx context.Context, pause time.Duration) error {
	if m == nil {
		return nil
	}

	logger.Warnf("ConnectionMonitor[%s]: reconnecting client", m.name)
	m.MarkDisconnected()

	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	m.WaitOnline(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status, err := m.client.Auth().Status(ctx)
	if err != nil {
		return errors.Wrap(err, "auth status after reconnect")
	}
	if !status.Authorized {
		logger.Errorf("ConnectionMonitor[%s]: client not authorized after reconnect", m.name)
		return ErrAuthorizationLost
	}
	logger.Infof("ConnectionMonitor[%s]: reconnect successful", m.name)
	return nil
}

// Shutdown останавливает фоновую проверку и закрывает wait-канал, гарантируя,
// что все заблокированные ожидатели проснутся и корректно завершатся.
func (m *Monitor) Shutdown() {
	if m == nil {
		return
	}

	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	wait := m.waitCh
	m.waitCh = nil
	m.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		default:
			close(wait)
		}
	}
}

// currentWaitCh возвращает снимок актуального канала ожидания. Если канал ещё
// не инициализирован, возвращается закрытый, чтобы WaitOnline не завис по ошибке.
func (m *Monitor) currentWaitCh() <-chan struct{} {
	m.mu.RLock()
	ch := m.waitCh
	m.mu.RUnlock()
	if ch == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return ch
}

// monitorLoop с периодом pingInterval выполняет лёгкий RPC-вызов. При успехе
// монитор переводится в online и цикл завершается. Контекстная отмена выходит
// из цикла без шума.
func (m *Monitor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		attempt++
		start := time.Now()

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := m.safePing(pingCtx)
		cancel()

		if err == nil {
			logger.Debugf("ConnectionMonitor[%s]: RPC call ok (attempt=%d, duration=%v)", m.name, attempt, time.Since(start))
			m.MarkConnected()
			return
		}

		switch {
		case errors.Is(err, net.ErrClosed), errors.Is(err, pool.ErrConnDead), errors.Is(err, rpc.ErrEngineClosed):
			logger.Debugf("ConnectionMonitor[%s]: RPC call aborted, connection closed (attempt=%d): %v", m.name, attempt, err)
		case !IsNetworkError(err):
			logger.Errorf("ConnectionMonitor[%s]: RPC call failed (attempt=%d): %v", m.name, attempt, err)
		default:
			logger.Debugf("ConnectionMonitor[%s]: RPC call failed (attempt=%d): %v", m.name, attempt, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// safePing выполняет Self() с защитой от паник, переводя их в net.ErrClosed.
// Self требует полноценного MTProto-соединения и готового API, поэтому даёт
// лучшую гарантию работоспособности, чем транспортный пинг.
func (m *Monitor) safePing(ctx context.Context) (err error) {
	if m.client == nil {
		return net.ErrClosed
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Debugf("ConnectionMonitor[%s]: RPC call panic recovered: %v", m.name, r)
			err = net.ErrClosed
		}
	}()

	_, err = m.client.Self(ctx)
	return err
}

// IsNetworkError определяет, сигнализирует ли ошибка о сетевой проблеме/разрыве.
// Считаем сетевыми: закрытия соединения/движка (pool.ErrConnDead, rpc.ErrEngineClosed),
// исчерпание ретраев rpc.RetryLimitReachedErr, таймауты/дедлайны, EOF и net.Error.
// Контекстные отмены сетевыми не считаются.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) {
		return true
	}
	if errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsPersistentTimestampGap распознаёт рассинхронизацию состояния обновлений,
// которая лечится переподключением (как и сетевые сбои).
func IsPersistentTimestampGap(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "persistent timestamp") || strings.Contains(text, "persistenttimestamp")
}
