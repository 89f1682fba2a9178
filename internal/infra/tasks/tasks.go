// Package tasks выполняет длинные телеграм-операции, отвязанные от времени
// жизни HTTP-запроса. Обработчик ждёт исход ограниченное время и отвечает
// клиенту; сама операция живёт под контекстом процесса, поэтому протухший
// дедлайн HTTP не обрывает уже начатое создание чата или рассылку — побочные
// эффекты (привязка в реестре, отправленные приглашения) доедут в фоне.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// ErrTimeout — обработчик не дождался исхода; операция продолжается в фоне.
var ErrTimeout = errors.New("operation timed out")

// Runner привязывает фоновые операции к контексту процесса.
type Runner struct {
	base context.Context
	wg   sync.WaitGroup
}

// NewRunner создаёт раннер. Отмена base прерывает все фоновые операции.
func NewRunner(base context.Context) *Runner {
	return &Runner{base: base}
}

// Wait блокируется до завершения всех фоновых операций. Вызывается на
// остановке процесса после отмены базового контекста.
func (r *Runner) Wait() { r.wg.Wait() }

type result[T any] struct {
	value T
	err   error
}

// Submit запускает fn под контекстом процесса и ждёт исход не дольше wait.
// По истечении срока возвращается ErrTimeout; fn при этом не отменяется и
// довыполняется в фоне.
func Submit[T any](r *Runner, wait time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ch := make(chan result[T], 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		value, err := fn(r.base)
		ch <- result[T]{value: value, err: err}
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.value, res.err
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	case <-r.base.Done():
		var zero T
		return zero, r.base.Err()
	}
}
