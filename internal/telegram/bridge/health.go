package bridge

// Машина состояния здоровья моста. Переходы дешёвые и локальные: никакой
// сетевой активности, только фиксация фактов об исходах операций. Решения
// о маршрутизации на основе этих состояний принимает router.

import (
	"fmt"
	"sync"
	"time"
)

// Status — дискретное состояние моста.
type Status string

const (
	StatusOffline   Status = "offline"
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusFloodWait Status = "flood_wait"
	StatusError     Status = "error"
	StatusBanned    Status = "banned"
)

// Health агрегирует счётчики ошибок/операций и текущее состояние.
// Потокобезопасен; flood_wait снимается лениво — при первом опросе после
// истечения срока, отдельного таймера нет.
type Health struct {
	mu         sync.Mutex
	status     Status
	floodUntil time.Time
	lastError  string
	errorCount int
	operations int64
	lastActive time.Time

	threshold int
	now       func() time.Time
}

// NewHealth создаёт машину в состоянии offline. threshold — число подряд
// идущих ошибок, после которого мост уходит в error.
func NewHealth(threshold int) *Health {
	if threshold < 1 {
		threshold = 1
	}
	return &Health{
		status:    StatusOffline,
		threshold: threshold,
		now:       time.Now,
	}
}

// SetStarting переводит мост в фазу запуска.
func (h *Health) SetStarting() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusStarting
}

// SetHealthy фиксирует успешный запуск.
func (h *Health) SetHealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusHealthy
}

// SetOffline возвращает мост в offline (остановка процесса).
func (h *Health) SetOffline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusOffline
}

// SetStartFailed фиксирует неудачный запуск: мост в error, текст сохранён.
func (h *Health) SetStartFailed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusError
	if err != nil {
		h.lastError = err.Error()
	}
}

// IsHealthy отвечает, пригоден ли мост для операций. Истёкший flood_wait
// здесь же переводится обратно в healthy.
func (h *Health) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isHealthyLocked()
}

func (h *Health) isHealthyLocked() bool {
	switch h.status {
	case StatusHealthy:
		return true
	case StatusFloodWait:
		if !h.now().Before(h.floodUntil) {
			h.status = StatusHealthy
			return true
		}
		return false
	default:
		return false
	}
}

// MarkFlood переводит мост в flood_wait на seconds секунд.
func (h *Health) MarkFlood(seconds int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusBanned {
		return
	}
	h.floodUntil = h.now().Add(time.Duration(seconds) * time.Second)
	h.status = StatusFloodWait
	h.lastError = fmt.Sprintf("FloodWait %ds", seconds)
}

// MarkError наращивает счётчик ошибок; при достижении порога мост уходит
// в error. Banned не трогается.
func (h *Health) MarkError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
	if err != nil {
		h.lastError = err.Error()
	}
	if h.errorCount >= h.threshold &&
		(h.status == StatusHealthy || h.status == StatusFloodWait) {
		h.status = StatusError
	}
}

// MarkBanned — терминальное состояние до вмешательства администратора.
func (h *Health) MarkBanned() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusBanned
	h.lastError = "Account banned"
}

// MarkSuccess сбрасывает счётчик ошибок и фиксирует операцию. Состояние
// error возвращается в healthy; действующий flood_wait не укорачивается.
func (h *Health) MarkSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount = 0
	h.lastError = ""
	h.operations++
	h.lastActive = h.now()
	switch h.status {
	case StatusError:
		h.status = StatusHealthy
	case StatusFloodWait:
		if !h.now().Before(h.floodUntil) {
			h.status = StatusHealthy
		}
	}
}

// ResetErrors — административный сброс: счётчик и текст ошибки обнуляются,
// состояние error возвращается в healthy. Banned остаётся banned.
func (h *Health) ResetErrors() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount = 0
	h.lastError = ""
	if h.status == StatusError {
		h.status = StatusHealthy
	}
}

// ClearFlood — административное снятие flood_wait. Возвращает false, если
// мост не находился в flood_wait.
func (h *Health) ClearFlood() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusFloodWait {
		return false
	}
	h.floodUntil = time.Time{}
	h.status = StatusHealthy
	return true
}

// Status возвращает текущее состояние без ленивых переходов.
func (h *Health) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// FloodRemaining — секунды до конца flood_wait; 0 вне этого состояния.
func (h *Health) FloodRemaining() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusFloodWait {
		return 0
	}
	remaining := int(h.floodUntil.Sub(h.now()).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ErrorCount возвращает число ошибок с последнего успеха.
func (h *Health) ErrorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errorCount
}

// Operations возвращает число успешных операций за время жизни процесса.
func (h *Health) Operations() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.operations
}

// LastError возвращает текст последней ошибки ("" — ошибок не было).
func (h *Health) LastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

// LastActive — момент последней успешной операции; нулевое время, если
// операций ещё не было.
func (h *Health) LastActive() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActive
}
