package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

func testClock() *domain.FakeClock {
	return domain.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestAllow_BurstThenDeny(t *testing.T) {
	clock := testClock()
	l := New(Config{Rate: 5, Burst: 10, GlobalRate: 100, GlobalBurst: 100}, clock)

	for i := 0; i < 10; i++ {
		if !l.Allow("analyst-1") {
			t.Fatalf("call %d within burst should be allowed", i+1)
		}
	}
	if l.Allow("analyst-1") {
		t.Error("call beyond burst should be denied")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	clock := testClock()
	l := New(Config{Rate: 5, Burst: 10, GlobalRate: 100, GlobalBurst: 100}, clock)

	for i := 0; i < 10; i++ {
		l.Allow("analyst-1")
	}
	if l.Allow("analyst-1") {
		t.Fatal("bucket should be empty")
	}

	// 5 tokens/s → one token every 200ms.
	clock.Advance(200 * time.Millisecond)
	if !l.Allow("analyst-1") {
		t.Error("one token should have refilled after 200ms")
	}
	if l.Allow("analyst-1") {
		t.Error("only one token should have refilled")
	}
}

func TestAllow_ClampsToBurst(t *testing.T) {
	clock := testClock()
	l := New(Config{Rate: 5, Burst: 10, GlobalRate: 100, GlobalBurst: 100}, clock)

	// A long idle period must not accumulate more than burst tokens.
	clock.Advance(time.Hour)
	allowed := 0
	for i := 0; i < 50; i++ {
		if l.Allow("analyst-1") {
			allowed++
		}
	}
	if allowed != 10 {
		t.Errorf("allowed %d calls after long idle, want burst=10", allowed)
	}
}

func TestAllow_GlobalBucketAlsoRequired(t *testing.T) {
	clock := testClock()
	l := New(Config{Rate: 100, Burst: 100, GlobalRate: 1, GlobalBurst: 2}, clock)

	// Two identities share the global budget of 2.
	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("first two calls should pass the global bucket")
	}
	if l.Allow("c") {
		t.Error("third call should be denied by the global bucket")
	}
}

func TestAllow_GlobalDenialDoesNotChargeIdentity(t *testing.T) {
	clock := testClock()
	l := New(Config{Rate: 100, Burst: 1, GlobalRate: 1, GlobalBurst: 1}, clock)

	if !l.Allow("a") {
		t.Fatal("first call should be allowed")
	}
	// Global bucket is now empty; b's identity token must be returned.
	if l.Allow("b") {
		t.Fatal("global bucket should deny")
	}
	clock.Advance(time.Second) // refill global (rate 1/s)
	if !l.Allow("b") {
		t.Error("identity b should still have its burst token")
	}
}

func TestAllow_IdentitiesAreIndependent(t *testing.T) {
	clock := testClock()
	l := New(Config{Rate: 5, Burst: 2, GlobalRate: 1000, GlobalBurst: 1000}, clock)

	l.Allow("a")
	l.Allow("a")
	if l.Allow("a") {
		t.Error("identity a should be exhausted")
	}
	if !l.Allow("b") {
		t.Error("identity b should be unaffected")
	}
}

func TestAllow_ConcurrentCallersNeverExceedBudget(t *testing.T) {
	clock := testClock()
	burst := 10
	l := New(Config{Rate: 5, Burst: burst, GlobalRate: 1000, GlobalBurst: 1000}, clock)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if l.Allow("shared") {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// Time is frozen, so at most burst tokens exist in total.
	if got := allowed.Load(); got > int64(burst) {
		t.Errorf("concurrent callers consumed %d tokens, budget is %d", got, burst)
	}
}

func TestDefaults(t *testing.T) {
	l := New(Config{}, testClock())
	if l.cfg.Rate != 5 || l.cfg.Burst != 10 {
		t.Errorf("per-identity defaults = %v/%v, want 5/10", l.cfg.Rate, l.cfg.Burst)
	}
	if l.cfg.GlobalRate != 25 || l.cfg.GlobalBurst != 50 {
		t.Errorf("global defaults = %v/%v, want 25/50", l.cfg.GlobalRate, l.cfg.GlobalBurst)
	}
}
