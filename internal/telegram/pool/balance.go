package pool

// Взвешенный выбор аккаунта для создания чатов. Цель распределения:
// основной аккаунт получает небольшую фиксированную долю новых чатов
// (остаётся «живым», но не светится в массовых операциях), остальное
// делят резервные пропорционально дефициту — чем меньше чатов уже
// закреплено за аккаунтом, тем выше его вес.

import (
	"math/rand/v2"

	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/telegram/bridge"
)

// Candidate — участник взвешенного выбора: аккаунт и число чатов, уже
// закреплённых за ним в реестре.
type Candidate struct {
	Account string
	Count   int
}

// ChooseWeighted выбирает аккаунт из кандидатов. roll — источник значений
// из [0, 1); в проде это rand.Float64, в тестах — детерминированная замена.
func ChooseWeighted(candidates []Candidate, roll func() float64) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	mainIdx := -1
	backups := make([]Candidate, 0, len(candidates))
	for i, c := range candidates {
		if c.Account == config.MainAccountName {
			mainIdx = i
			continue
		}
		backups = append(backups, c)
	}

	if mainIdx >= 0 {
		if len(backups) == 0 {
			return candidates[mainIdx].Account, true
		}
		if roll() < config.MainPct {
			return candidates[mainIdx].Account, true
		}
	}
	if len(backups) == 0 {
		return "", false
	}

	maxCount := 0
	for _, c := range backups {
		if c.Count > maxCount {
			maxCount = c.Count
		}
	}
	weights := make([]float64, len(backups))
	total := 0.0
	for i, c := range backups {
		w := float64(maxCount - c.Count + 1)
		weights[i] = w
		total += w
	}

	r := roll() * total
	for i, c := range backups {
		r -= weights[i]
		if r < 0 {
			return c.Account, true
		}
	}
	return backups[len(backups)-1].Account, true
}

// PickWeighted выбирает здоровый мост сервиса по взвешенному распределению.
// counts — число чатов, закреплённых за каждым аккаунтом в реестре.
func (p *Pool) PickWeighted(service string, counts map[string]int) (*bridge.Bridge, bool) {
	healthy := p.Healthy(service)
	if len(healthy) == 0 {
		return nil, false
	}
	candidates := make([]Candidate, 0, len(healthy))
	for _, b := range healthy {
		candidates = append(candidates, Candidate{Account: b.Account(), Count: counts[b.Account()]})
	}
	account, ok := ChooseWeighted(candidates, rand.Float64)
	if !ok {
		return nil, false
	}
	for _, b := range healthy {
		if b.Account() == account {
			return b, true
		}
	}
	return nil, false
}
