package circuit

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         20 * time.Millisecond,
		MaxCooldown:      200 * time.Millisecond,
	}
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	c := NewController(testConfig(), testLogger(), nil)

	for i := 0; i < 4; i++ {
		c.OnOutcome("n", false)
	}
	if got := c.State("n"); got != StateClosed {
		t.Fatalf("expected closed after 4 failures, got %s", got)
	}

	c.OnOutcome("n", false)
	if got := c.State("n"); got != StateOpen {
		t.Fatalf("expected open after 5 failures, got %s", got)
	}

	if eligible, _ := c.Acquire("n"); eligible {
		t.Error("open node must not be eligible")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	c := NewController(testConfig(), testLogger(), nil)

	for i := 0; i < 4; i++ {
		c.OnOutcome("n", false)
	}
	c.OnOutcome("n", true)
	for i := 0; i < 4; i++ {
		c.OnOutcome("n", false)
	}

	if got := c.State("n"); got != StateClosed {
		t.Errorf("non-consecutive failures must not trip the breaker, got %s", got)
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	c := NewController(testConfig(), testLogger(), nil)

	for i := 0; i < 5; i++ {
		c.OnOutcome("n", false)
	}
	time.Sleep(25 * time.Millisecond)

	eligible, probe := c.Acquire("n")
	if !eligible || !probe {
		t.Fatalf("expected probe acquisition after cooldown, got eligible=%v probe=%v", eligible, probe)
	}

	// Concurrent caller during re-validation routes elsewhere
	if eligible, _ := c.Acquire("n"); eligible {
		t.Error("second caller must not be eligible while probe is in flight")
	}

	c.OnOutcome("n", true)
	if got := c.State("n"); got != StateClosed {
		t.Errorf("probe success should close the circuit, got %s", got)
	}
	if eligible, probe := c.Acquire("n"); !eligible || probe {
		t.Errorf("closed node should be eligible without probe, got eligible=%v probe=%v", eligible, probe)
	}
}

func TestProbeFailureReopensWithBackoff(t *testing.T) {
	c := NewController(testConfig(), testLogger(), nil)

	for i := 0; i < 5; i++ {
		c.OnOutcome("n", false)
	}
	time.Sleep(25 * time.Millisecond)

	if eligible, _ := c.Acquire("n"); !eligible {
		t.Fatal("expected probe eligibility after cooldown")
	}
	c.OnOutcome("n", false)

	if got := c.State("n"); got != StateOpen {
		t.Fatalf("probe failure should reopen, got %s", got)
	}

	// Base cooldown has doubled; the original interval is no longer enough
	time.Sleep(25 * time.Millisecond)
	if got := c.State("n"); got != StateOpen {
		t.Errorf("expected still open under doubled cooldown, got %s", got)
	}
	time.Sleep(25 * time.Millisecond)
	if got := c.State("n"); got != StateHalfOpen {
		t.Errorf("expected half-open after doubled cooldown elapsed, got %s", got)
	}
}

func TestBackoffCapped(t *testing.T) {
	c := NewController(testConfig(), testLogger(), nil)

	if got := c.backoff(0); got != 20*time.Millisecond {
		t.Errorf("backoff(0) = %s", got)
	}
	if got := c.backoff(2); got != 80*time.Millisecond {
		t.Errorf("backoff(2) = %s", got)
	}
	if got := c.backoff(10); got != 200*time.Millisecond {
		t.Errorf("backoff(10) should cap at max cooldown, got %s", got)
	}
}

func TestReleaseProbeFreesSlot(t *testing.T) {
	c := NewController(testConfig(), testLogger(), nil)

	for i := 0; i < 5; i++ {
		c.OnOutcome("n", false)
	}
	time.Sleep(25 * time.Millisecond)

	if eligible, probe := c.Acquire("n"); !eligible || !probe {
		t.Fatal("expected probe acquisition")
	}
	c.ReleaseProbe("n")

	if eligible, probe := c.Acquire("n"); !eligible || !probe {
		t.Errorf("released probe slot should be acquirable again, got eligible=%v probe=%v", eligible, probe)
	}
}

func TestOnlyOneProbeUnderConcurrency(t *testing.T) {
	c := NewController(testConfig(), testLogger(), nil)

	for i := 0; i < 5; i++ {
		c.OnOutcome("n", false)
	}
	time.Sleep(25 * time.Millisecond)

	var acquired int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if eligible, _ := c.Acquire("n"); eligible {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("expected exactly one probe acquisition, got %d", acquired)
	}
}

func TestTransitionHook(t *testing.T) {
	var transitions []Transition
	c := NewController(testConfig(), testLogger(), func(tr Transition) {
		transitions = append(transitions, tr)
	})

	for i := 0; i < 5; i++ {
		c.OnOutcome("n", false)
	}

	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].From != StateClosed || transitions[0].To != StateOpen {
		t.Errorf("unexpected transition %+v", transitions[0])
	}
}

func TestLateOutcomeWhileOpenIgnored(t *testing.T) {
	c := NewController(testConfig(), testLogger(), nil)

	for i := 0; i < 5; i++ {
		c.OnOutcome("n", false)
	}
	// Outcome for a decision made before the trip
	c.OnOutcome("n", true)

	if got := c.State("n"); got != StateOpen {
		t.Errorf("late outcome must not change an open circuit, got %s", got)
	}
}
