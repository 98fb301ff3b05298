package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New("webhook", 3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker tripped after %d failures, threshold is 3", i+1)
		}
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("breaker still closed after threshold failures")
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := New("webhook", 3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("failure count did not reset on success")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New("webhook", 1, 10*time.Millisecond)
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half-open probe to be admitted")
	}
	if b.Allow() {
		t.Fatal("only one probe may be in flight")
	}

	// Failed probe reopens; successful probe closes.
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after failed probe", b.State())
	}
	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected second probe")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after successful probe", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker must allow")
	}
}
