package breaker

import (
	"testing"
	"time"
)

func TestRegistryOpensAfterThresholdFailures(t *testing.T) {
	r := NewRegistry(3, time.Minute)

	for i := 0; i < 2; i++ {
		if !r.Allow("claude-oauth", "acc-1") {
			t.Fatalf("expected closed circuit to allow request %d", i)
		}
		r.RecordFailure("claude-oauth", "acc-1")
	}
	if r.StateOf("claude-oauth", "acc-1") != StateClosed {
		t.Fatal("expected circuit still closed before threshold")
	}

	r.RecordFailure("claude-oauth", "acc-1")
	if r.StateOf("claude-oauth", "acc-1") != StateOpen {
		t.Fatal("expected circuit open after threshold failures")
	}
	if r.Allow("claude-oauth", "acc-1") {
		t.Fatal("expected open circuit to refuse requests within cooldown")
	}
}

func TestRegistryHalfOpenProbeSucceeds(t *testing.T) {
	r := NewRegistry(1, 10*time.Millisecond)
	r.RecordFailure("gemini", "acc-2")
	if r.StateOf("gemini", "acc-2") != StateOpen {
		t.Fatal("expected circuit open after single failure at threshold 1")
	}

	time.Sleep(20 * time.Millisecond)
	if !r.Allow("gemini", "acc-2") {
		t.Fatal("expected a single probe to be allowed after cooldown")
	}
	if r.Allow("gemini", "acc-2") {
		t.Fatal("expected a second concurrent probe to be refused")
	}

	r.RecordSuccess("gemini", "acc-2")
	if r.StateOf("gemini", "acc-2") != StateClosed {
		t.Fatal("expected circuit closed after successful probe")
	}
}

func TestRegistryHalfOpenProbeFailureReopens(t *testing.T) {
	r := NewRegistry(1, 10*time.Millisecond)
	r.RecordFailure("bedrock", "acc-3")
	time.Sleep(20 * time.Millisecond)

	if !r.Allow("bedrock", "acc-3") {
		t.Fatal("expected probe to be allowed after cooldown")
	}
	r.RecordFailure("bedrock", "acc-3")
	if r.StateOf("bedrock", "acc-3") != StateOpen {
		t.Fatal("expected circuit reopened after failed probe")
	}
}

func TestRegistryTracksIndependentCircuitsPerAccount(t *testing.T) {
	r := NewRegistry(1, time.Minute)
	r.RecordFailure("claude-oauth", "acc-a")
	if r.StateOf("claude-oauth", "acc-a") != StateOpen {
		t.Fatal("expected acc-a open")
	}
	if r.StateOf("claude-oauth", "acc-b") != StateClosed {
		t.Fatal("expected acc-b unaffected and closed")
	}
}
