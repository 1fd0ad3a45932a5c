package ratelimit

import (
	"testing"
	"time"
)

func TestCheckRateAdmitsWithinBurst(t *testing.T) {
	rl := New(5, time.Second, nil, nil)
	defer rl.Stop()

	admitted := 0
	for i := 0; i < 5; i++ {
		if rl.CheckRate("client-a") {
			admitted++
		}
	}
	if admitted != 5 {
		t.Fatalf("expected 5 admitted within burst, got %d", admitted)
	}
	if rl.CheckRate("client-a") {
		t.Fatalf("expected 6th immediate request to be rejected")
	}
}

func TestCheckRateTracksIdentifiersIndependently(t *testing.T) {
	rl := New(1, time.Second, nil, nil)
	defer rl.Stop()

	if !rl.CheckRate("a") {
		t.Fatalf("expected first request for 'a' to be admitted")
	}
	if !rl.CheckRate("b") {
		t.Fatalf("expected first request for independent identifier 'b' to be admitted")
	}
}

func TestCheckRateDefaultsEmptyIdentifierToGlobal(t *testing.T) {
	rl := New(2, time.Second, nil, nil)
	defer rl.Stop()

	rl.CheckRate("")
	rl.CheckRate(defaultIdentifier)
	if rl.CheckRate("") {
		t.Fatalf("expected shared 'global' bucket to be exhausted after 2 requests")
	}
}

func TestApplyLoadShrinksCapacityUnderPressure(t *testing.T) {
	load := 0.95
	rl := New(100, time.Second, func() float64 { return load }, nil)
	defer rl.Stop()

	rl.CheckRate("x")
	b := rl.bucketFor("x")
	if got := b.limiter.Burst(); got > 10 {
		t.Fatalf("expected burst floored near 10%% of 100 under 0.95 load, got %d", got)
	}
}

func TestApplyLoadFloorsAtTenPercent(t *testing.T) {
	load := 1.0
	rl := New(100, time.Second, func() float64 { return load }, nil)
	defer rl.Stop()

	rl.CheckRate("x")
	b := rl.bucketFor("x")
	if got := b.limiter.Burst(); got != 10 {
		t.Fatalf("expected burst floored at exactly 10 (10%% of 100), got %d", got)
	}
}
