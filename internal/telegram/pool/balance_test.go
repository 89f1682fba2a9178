package pool_test

import (
	"math/rand/v2"
	"testing"

	"telegram-gateway/internal/telegram/pool"
)

func TestChooseWeightedEdgeCases(t *testing.T) {
	t.Parallel()

	never := func() float64 { t.Fatal("roll should not be called"); return 0 }

	if _, ok := pool.ChooseWeighted(nil, never); ok {
		t.Fatal("ChooseWeighted(nil) should report no choice")
	}

	onlyMain := []pool.Candidate{{Account: "main", Count: 100}}
	if got, ok := pool.ChooseWeighted(onlyMain, never); !ok || got != "main" {
		t.Fatalf("ChooseWeighted(onlyMain) = %q, %v; want main", got, ok)
	}

	// Без main весь трафик уходит резервным.
	backupsOnly := []pool.Candidate{{Account: "b1", Count: 0}}
	if got, ok := pool.ChooseWeighted(backupsOnly, func() float64 { return 0.99 }); !ok || got != "b1" {
		t.Fatalf("ChooseWeighted(backupsOnly) = %q, %v; want b1", got, ok)
	}
}

func TestChooseWeightedMainShare(t *testing.T) {
	t.Parallel()

	candidates := []pool.Candidate{
		{Account: "main", Count: 100},
		{Account: "b1", Count: 10},
		{Account: "b2", Count: 10},
		{Account: "b3", Count: 10},
	}

	const draws = 10000
	rnd := rand.New(rand.NewPCG(7, 13))
	hits := make(map[string]int)
	for i := 0; i < draws; i++ {
		account, ok := pool.ChooseWeighted(candidates, rnd.Float64)
		if !ok {
			t.Fatal("ChooseWeighted returned no choice")
		}
		hits[account]++
	}

	mainShare := float64(hits["main"]) / draws
	if mainShare < 0.04 || mainShare > 0.06 {
		t.Fatalf("main share = %.3f, want about 0.05", mainShare)
	}
	// Равные счётчики резервных — равные доли остатка.
	for _, backup := range []string{"b1", "b2", "b3"} {
		share := float64(hits[backup]) / draws
		if share < 0.29 || share > 0.35 {
			t.Fatalf("%s share = %.3f, want about 0.317", backup, share)
		}
	}
}

func TestChooseWeightedPrefersDeficit(t *testing.T) {
	t.Parallel()

	// b1 пуст, b2 почти на максимуме: веса 10 к 1.
	candidates := []pool.Candidate{
		{Account: "b1", Count: 0},
		{Account: "b2", Count: 9},
	}

	const draws = 10000
	rnd := rand.New(rand.NewPCG(42, 1))
	hits := make(map[string]int)
	for i := 0; i < draws; i++ {
		account, ok := pool.ChooseWeighted(candidates, rnd.Float64)
		if !ok {
			t.Fatal("ChooseWeighted returned no choice")
		}
		hits[account]++
	}

	share := float64(hits["b1"]) / draws
	if share < 0.85 || share > 0.95 {
		t.Fatalf("b1 share = %.3f, want about 0.909", share)
	}
}
