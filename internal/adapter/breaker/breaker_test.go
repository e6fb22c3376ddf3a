package breaker

import (
	"testing"
	"time"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/logger"
)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
	}
}

func TestBreakerTripsAtFailureThreshold(t *testing.T) {
	b := New(testConfig())

	if b.RecordFailure() {
		t.Fatal("tripped after first failure")
	}
	if b.RecordFailure() {
		t.Fatal("tripped after second failure")
	}
	if !b.RecordFailure() {
		t.Fatal("expected trip at third failure")
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if b.CanMakeRequest() {
		t.Fatal("open breaker admitted a request before the timeout")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New(testConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// The window restarted, so two more failures must not trip.
	b.RecordFailure()
	if tripped := b.RecordFailure(); tripped {
		t.Fatal("breaker tripped despite intervening success")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
	time.Sleep(cfg.Timeout + 5*time.Millisecond)

	// First probe flips to half-open.
	if !b.CanMakeRequest() {
		t.Fatal("probe rejected after breaker timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want halfOpen", b.State())
	}

	// Second concurrent probe fits the success threshold; a third does not.
	if !b.CanMakeRequest() {
		t.Fatal("second probe rejected")
	}
	if b.CanMakeRequest() {
		t.Fatal("third probe admitted beyond the half-open window")
	}

	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %v after successful probes, want closed", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
	time.Sleep(cfg.Timeout + 5*time.Millisecond)
	b.CanMakeRequest()

	if !b.RecordFailure() {
		t.Fatal("half-open failure must re-trip")
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if b.CanMakeRequest() {
		t.Fatal("reopened breaker admitted a request immediately")
	}
}

func TestSetAllowAndTripEvent(t *testing.T) {
	cfg := testConfig()
	set := NewSet(cfg, logger.NewDiscard())

	if !set.Allow("w1") {
		t.Fatal("fresh worker blocked")
	}

	for i := 0; i < cfg.FailureThreshold; i++ {
		set.RecordFailure("w1")
	}
	if set.Allow("w1") {
		t.Fatal("tripped worker still allowed")
	}
	// Other workers are independent.
	if !set.Allow("w2") {
		t.Fatal("w2 unexpectedly blocked")
	}

	stats := set.GetStats()
	if stats["w1"].State != "open" {
		t.Fatalf("w1 state = %s, want open", stats["w1"].State)
	}
}

func TestSetRemoveResetsWorker(t *testing.T) {
	cfg := testConfig()
	set := NewSet(cfg, logger.NewDiscard())

	for i := 0; i < cfg.FailureThreshold; i++ {
		set.RecordFailure("w1")
	}
	set.Remove("w1")

	if !set.Allow("w1") {
		t.Fatal("re-registered worker inherited old breaker state")
	}
}
