package generator

import (
	"testing"
	"time"
)

func TestProtocolLatchSerializesEntry(t *testing.T) {
	latch := NewProtocolLatch()

	latch.Lock()
	if got := latch.CurrentLockCount(); got != 1 {
		t.Fatalf("expected lock count 1, got %d", got)
	}

	unlocked := make(chan struct{})
	go func() {
		latch.Lock()
		defer latch.Unlock()
		close(unlocked)
	}()

	select {
	case <-unlocked:
		t.Fatal("second Lock should block while the first holder has not released it")
	case <-time.After(20 * time.Millisecond):
	}

	latch.Unlock()

	select {
	case <-unlocked:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired the latch after release")
	}
}

func TestProtocolLatchCurrentLockCountWhenFree(t *testing.T) {
	latch := NewProtocolLatch()
	if got := latch.CurrentLockCount(); got != 0 {
		t.Fatalf("expected lock count 0 on a fresh latch, got %d", got)
	}
}
