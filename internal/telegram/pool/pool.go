// Package pool владеет полным набором мостов «аккаунт:сервис»: строит их из
// таблицы аккаунтов, параллельно поднимает, отдаёт кандидатов по приоритету
// и состоянию здоровья и агрегирует статистику для дашборда. Пул ничего не
// знает про закрепление чатов за аккаунтами — это забота маршрутизатора.
package pool

import (
	"context"
	"sort"
	"sync"

	"github.com/go-faster/errors"

	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/telegram/bridge"
)

// ErrNoBridges — ни один мост пула не смог подняться.
var ErrNoBridges = errors.New("no bridges started")

// Pool — реестр мостов. После New состав не меняется, поэтому карты читаются
// без блокировок; изменяемое состояние живёт внутри самих мостов.
type Pool struct {
	bridges   map[string]*bridge.Bridge   // ключ — bridge.Key(аккаунт, сервис)
	byService map[string][]*bridge.Bridge // отсортированы по приоритету

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New строит мосты для каждой пары «аккаунт × сервис из его карты sessions».
func New(accounts []config.Account, env config.EnvConfig) (*Pool, error) {
	p := &Pool{
		bridges:   make(map[string]*bridge.Bridge),
		byService: make(map[string][]*bridge.Bridge),
		cancels:   make(map[string]context.CancelFunc),
	}
	for _, acct := range accounts {
		for _, service := range config.ServiceNames() {
			if _, ok := acct.Sessions[service]; !ok {
				continue
			}
			b, err := bridge.New(acct, service, env)
			if err != nil {
				return nil, errors.Wrapf(err, "bridge %s:%s", acct.Name, service)
			}
			p.bridges[b.Key()] = b
			p.byService[service] = append(p.byService[service], b)
		}
	}
	if len(p.bridges) == 0 {
		return nil, errors.New("accounts define no bridges")
	}
	for _, list := range p.byService {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority() != list[j].Priority() {
				return list[i].Priority() < list[j].Priority()
			}
			return list[i].Account() < list[j].Account()
		})
	}
	return p, nil
}

// SetRegistrar подключает реестр ленивой регистрации чатов ко всем мостам.
// Вызывается до StartAll.
func (p *Pool) SetRegistrar(r bridge.ChatRegistrar) {
	for _, b := range p.bridges {
		b.SetRegistrar(r)
	}
}

// StartAll параллельно поднимает все мосты и дожидается исхода запуска
// каждого. Неудача одного моста не валит остальные: он остаётся в пуле в
// состоянии error и может быть переавторизован без рестарта процесса.
// Возвращает ErrNoBridges, когда не поднялся ни один.
func (p *Pool) StartAll(ctx context.Context) error {
	for key, b := range p.bridges {
		runCtx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.cancels[key] = cancel
		p.mu.Unlock()

		p.wg.Add(1)
		go func(b *bridge.Bridge) {
			defer p.wg.Done()
			if err := b.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("Bridge %s stopped: %v", b.Key(), err)
			}
		}(b)
	}

	started := 0
	for _, b := range p.bridges {
		select {
		case err := <-b.Started():
			if err != nil {
				if errors.Is(err, bridge.ErrNotAuthorized) {
					logger.Errorf("Bridge %s is not authorized; run with -authorize %s", b.Key(), b.Key())
				} else {
					logger.Errorf("Bridge %s failed to start: %v", b.Key(), err)
				}
				continue
			}
			started++
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, service := range config.ServiceNames() {
		total := len(p.byService[service])
		if total == 0 {
			continue
		}
		healthy := len(p.Healthy(service))
		logger.Infof("Service %s: %d/%d bridges healthy", service, healthy, total)
	}
	if started == 0 {
		return ErrNoBridges
	}
	return nil
}

// StopAll отменяет контексты всех мостов и ждёт завершения их горутин.
func (p *Pool) StopAll() {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Get возвращает мост конкретного аккаунта для сервиса.
func (p *Pool) Get(service, account string) (*bridge.Bridge, bool) {
	b, ok := p.bridges[bridge.Key(account, service)]
	return b, ok
}

// Bridges возвращает мосты сервиса в порядке приоритета (копия списка).
func (p *Pool) Bridges(service string) []*bridge.Bridge {
	list := p.byService[service]
	out := make([]*bridge.Bridge, len(list))
	copy(out, list)
	return out
}

// All возвращает все мосты пула без определённого порядка.
func (p *Pool) All() []*bridge.Bridge {
	out := make([]*bridge.Bridge, 0, len(p.bridges))
	for _, b := range p.bridges {
		out = append(out, b)
	}
	return out
}

// BridgesOf возвращает все мосты одного аккаунта (по одному на сервис).
func (p *Pool) BridgesOf(account string) []*bridge.Bridge {
	var out []*bridge.Bridge
	for _, service := range config.ServiceNames() {
		if b, ok := p.Get(service, account); ok {
			out = append(out, b)
		}
	}
	return out
}

// Healthy возвращает здоровые мосты сервиса в порядке приоритета.
func (p *Pool) Healthy(service string) []*bridge.Bridge {
	var out []*bridge.Bridge
	for _, b := range p.byService[service] {
		if b.Health().IsHealthy() {
			out = append(out, b)
		}
	}
	return out
}

// Best возвращает самый приоритетный здоровый мост сервиса.
func (p *Pool) Best(service string) (*bridge.Bridge, bool) {
	healthy := p.Healthy(service)
	if len(healthy) == 0 {
		return nil, false
	}
	return healthy[0], true
}

// NextHealthy возвращает самый приоритетный здоровый мост сервиса, минуя
// указанный аккаунт. Используется для одношагового failover.
func (p *Pool) NextHealthy(service, excludeAccount string) (*bridge.Bridge, bool) {
	for _, b := range p.Healthy(service) {
		if b.Account() == excludeAccount {
			continue
		}
		return b, true
	}
	return nil, false
}

// HealthyExcept возвращает все здоровые мосты сервиса, минуя указанный
// аккаунт. Используется для полного обхода при failover.
func (p *Pool) HealthyExcept(service, excludeAccount string) []*bridge.Bridge {
	var out []*bridge.Bridge
	for _, b := range p.Healthy(service) {
		if b.Account() == excludeAccount {
			continue
		}
		out = append(out, b)
	}
	return out
}

// LeastLoaded возвращает здоровый мост аккаунта с минимальным числом
// активных чатов в реестре; при равенстве побеждает более приоритетный.
// Аккаунты из exclude не рассматриваются.
func (p *Pool) LeastLoaded(service string, counts map[string]int, exclude ...string) (*bridge.Bridge, bool) {
	var best *bridge.Bridge
	for _, b := range p.Healthy(service) {
		if excluded(b.Account(), exclude) {
			continue
		}
		if best == nil || counts[b.Account()] < counts[best.Account()] {
			best = b
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

func excluded(account string, exclude []string) bool {
	for _, name := range exclude {
		if name == account {
			return true
		}
	}
	return false
}

// ServiceSnapshots возвращает снимки состояния мостов сервиса.
func (p *Pool) ServiceSnapshots(service string) []bridge.StatusSnapshot {
	list := p.byService[service]
	out := make([]bridge.StatusSnapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	return out
}

// AllSnapshots возвращает снимки состояния всех мостов, сгруппированные
// по сервису.
func (p *Pool) AllSnapshots() map[string][]bridge.StatusSnapshot {
	out := make(map[string][]bridge.StatusSnapshot, len(p.byService))
	for service := range p.byService {
		out[service] = p.ServiceSnapshots(service)
	}
	return out
}

// TotalOperations суммирует успешные операции всех мостов.
func (p *Pool) TotalOperations() int64 {
	var total int64
	for _, b := range p.bridges {
		total += b.Health().Operations()
	}
	return total
}

// TotalErrors суммирует текущие счётчики ошибок всех мостов.
func (p *Pool) TotalErrors() int {
	total := 0
	for _, b := range p.bridges {
		total += b.Health().ErrorCount()
	}
	return total
}

// CacheSize суммирует размеры кэшей здоровых мостов сервиса.
func (p *Pool) CacheSize(service string) int {
	total := 0
	for _, b := range p.Healthy(service) {
		total += b.Cache().Size()
	}
	return total
}

// ReloadServiceCaches выполняет полный прогрев кэшей здоровых мостов сервиса
// и возвращает суммарный размер после прогрева.
func (p *Pool) ReloadServiceCaches(ctx context.Context, service string) (int, error) {
	var firstErr error
	for _, b := range p.Healthy(service) {
		if err := b.WarmupCache(ctx); err != nil {
			logger.Warnf("Reload cache for %s: %v", b.Key(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return p.CacheSize(service), firstErr
}

// ReloadAllCaches выполняет полный прогрев кэшей всех здоровых мостов.
func (p *Pool) ReloadAllCaches(ctx context.Context) error {
	var firstErr error
	for _, service := range config.ServiceNames() {
		if _, err := p.ReloadServiceCaches(ctx, service); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
