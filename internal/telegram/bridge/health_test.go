package bridge_test

import (
	"testing"

	"github.com/go-faster/errors"

	"telegram-gateway/internal/telegram/bridge"
)

func TestHealthLifecycle(t *testing.T) {
	t.Parallel()

	h := bridge.NewHealth(3)
	if got := h.Status(); got != bridge.StatusOffline {
		t.Fatalf("Status() = %q, want %q", got, bridge.StatusOffline)
	}
	if h.IsHealthy() {
		t.Fatal("IsHealthy() on offline bridge should be false")
	}

	h.SetStarting()
	if got := h.Status(); got != bridge.StatusStarting {
		t.Fatalf("Status() = %q, want %q", got, bridge.StatusStarting)
	}
	if h.IsHealthy() {
		t.Fatal("IsHealthy() on starting bridge should be false")
	}

	h.SetHealthy()
	if !h.IsHealthy() {
		t.Fatal("IsHealthy() after SetHealthy should be true")
	}

	h.SetStartFailed(errors.New("auth key not found"))
	if got := h.Status(); got != bridge.StatusError {
		t.Fatalf("Status() = %q, want %q", got, bridge.StatusError)
	}
	if got := h.LastError(); got != "auth key not found" {
		t.Fatalf("LastError() = %q, want %q", got, "auth key not found")
	}
}

func TestHealthErrorThreshold(t *testing.T) {
	t.Parallel()

	h := bridge.NewHealth(3)
	h.SetHealthy()

	h.MarkError(errors.New("boom 1"))
	h.MarkError(errors.New("boom 2"))
	if !h.IsHealthy() {
		t.Fatal("bridge should stay healthy below the error threshold")
	}
	if got := h.ErrorCount(); got != 2 {
		t.Fatalf("ErrorCount() = %d, want 2", got)
	}

	h.MarkError(errors.New("boom 3"))
	if h.IsHealthy() {
		t.Fatal("bridge should be unhealthy at the error threshold")
	}
	if got := h.Status(); got != bridge.StatusError {
		t.Fatalf("Status() = %q, want %q", got, bridge.StatusError)
	}
	if got := h.LastError(); got != "boom 3" {
		t.Fatalf("LastError() = %q, want %q", got, "boom 3")
	}

	h.MarkSuccess()
	if !h.IsHealthy() {
		t.Fatal("MarkSuccess should recover the bridge from error")
	}
	if got := h.ErrorCount(); got != 0 {
		t.Fatalf("ErrorCount() after success = %d, want 0", got)
	}
	if got := h.Operations(); got != 1 {
		t.Fatalf("Operations() = %d, want 1", got)
	}
	if h.LastActive().IsZero() {
		t.Fatal("LastActive() should be set after a success")
	}
}

func TestHealthFloodWait(t *testing.T) {
	t.Parallel()

	h := bridge.NewHealth(3)
	h.SetHealthy()

	h.MarkFlood(3600)
	if h.IsHealthy() {
		t.Fatal("bridge in flood_wait should be unhealthy")
	}
	if got := h.Status(); got != bridge.StatusFloodWait {
		t.Fatalf("Status() = %q, want %q", got, bridge.StatusFloodWait)
	}
	if got := h.FloodRemaining(); got <= 0 || got > 3600 {
		t.Fatalf("FloodRemaining() = %d, want within (0, 3600]", got)
	}

	if !h.ClearFlood() {
		t.Fatal("ClearFlood() on flood_wait bridge should report true")
	}
	if !h.IsHealthy() {
		t.Fatal("bridge should be healthy after ClearFlood")
	}
	if h.ClearFlood() {
		t.Fatal("ClearFlood() on healthy bridge should report false")
	}
	if got := h.FloodRemaining(); got != 0 {
		t.Fatalf("FloodRemaining() outside flood_wait = %d, want 0", got)
	}
}

func TestHealthFloodExpiresLazily(t *testing.T) {
	t.Parallel()

	h := bridge.NewHealth(3)
	h.SetHealthy()

	// Нулевой срок истекает немедленно: первый же опрос возвращает healthy.
	h.MarkFlood(0)
	if !h.IsHealthy() {
		t.Fatal("expired flood_wait should clear on the first check")
	}
	if got := h.Status(); got != bridge.StatusHealthy {
		t.Fatalf("Status() after lazy expiry = %q, want %q", got, bridge.StatusHealthy)
	}
}

func TestHealthBanned(t *testing.T) {
	t.Parallel()

	h := bridge.NewHealth(1)
	h.SetHealthy()
	h.MarkBanned()

	if got := h.Status(); got != bridge.StatusBanned {
		t.Fatalf("Status() = %q, want %q", got, bridge.StatusBanned)
	}
	if h.IsHealthy() {
		t.Fatal("banned bridge should be unhealthy")
	}

	// Ни флуд, ни ошибки, ни административный сброс не выводят из banned.
	h.MarkFlood(10)
	if got := h.Status(); got != bridge.StatusBanned {
		t.Fatalf("Status() after MarkFlood = %q, want %q", got, bridge.StatusBanned)
	}
	h.MarkError(errors.New("still dead"))
	if got := h.Status(); got != bridge.StatusBanned {
		t.Fatalf("Status() after MarkError = %q, want %q", got, bridge.StatusBanned)
	}
	h.ResetErrors()
	if got := h.Status(); got != bridge.StatusBanned {
		t.Fatalf("Status() after ResetErrors = %q, want %q", got, bridge.StatusBanned)
	}
}

func TestHealthResetErrors(t *testing.T) {
	t.Parallel()

	h := bridge.NewHealth(2)
	h.SetHealthy()
	h.MarkError(errors.New("one"))
	h.MarkError(errors.New("two"))
	if h.IsHealthy() {
		t.Fatal("bridge should be in error before reset")
	}

	h.ResetErrors()
	if !h.IsHealthy() {
		t.Fatal("ResetErrors should return the bridge to healthy")
	}
	if got := h.ErrorCount(); got != 0 {
		t.Fatalf("ErrorCount() = %d, want 0", got)
	}
	if got := h.LastError(); got != "" {
		t.Fatalf("LastError() = %q, want empty", got)
	}
}
