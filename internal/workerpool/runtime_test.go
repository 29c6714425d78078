package workerpool

import (
	"context"
	"testing"
)

func TestRuntimePushAndDequeue(t *testing.T) {
	r := newRuntime(4)
	r.push("item-1")
	got := <-r.queue
	if got == nil || *got != "item-1" {
		t.Fatalf("expected item-1, got %v", got)
	}
}

func TestRuntimeShutdownSendsSentinels(t *testing.T) {
	r := newRuntime(4)
	r.shutdown(3)
	for i := 0; i < 3; i++ {
		if got := <-r.queue; got != nil {
			t.Fatalf("expected nil sentinel, got %v", got)
		}
	}
}

func TestRuntimeOwnershipRegisterUnregister(t *testing.T) {
	r := newRuntime(4)
	_, cancel := context.WithCancel(context.Background())
	r.register("item-1", cancel)

	if !r.ownedSet()["item-1"] {
		t.Fatalf("expected item-1 to be owned")
	}
	if r.ownerCount() != 1 {
		t.Fatalf("expected owner count 1, got %d", r.ownerCount())
	}

	r.unregister("item-1")
	if r.ownedSet()["item-1"] {
		t.Fatalf("expected item-1 to be unowned after unregister")
	}
}

func TestRuntimeCancelOwnerInvokesCancel(t *testing.T) {
	r := newRuntime(4)
	ctx, cancel := context.WithCancel(context.Background())
	r.register("item-1", cancel)

	if !r.cancelOwner("item-1") {
		t.Fatalf("expected cancelOwner to find the owner")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("expected context to be cancelled")
	}

	if r.cancelOwner("missing") {
		t.Fatalf("expected cancelOwner to report false for unknown item")
	}
}

func TestRuntimeCancelAllOwners(t *testing.T) {
	r := newRuntime(4)
	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	r.register("a", cancelA)
	r.register("b", cancelB)

	r.cancelAllOwners()

	for _, ctx := range []context.Context{ctxA, ctxB} {
		select {
		case <-ctx.Done():
		default:
			t.Fatalf("expected context to be cancelled")
		}
	}
}

func TestRuntimePausedGlobally(t *testing.T) {
	r := newRuntime(4)
	if r.isPausedGlobally() {
		t.Fatalf("expected not paused initially")
	}
	r.setPausedGlobally(true)
	if !r.isPausedGlobally() {
		t.Fatalf("expected paused after setPausedGlobally(true)")
	}
}

func TestRuntimeNextPickIncrements(t *testing.T) {
	r := newRuntime(4)
	if got := r.nextPick(); got != 1 {
		t.Fatalf("expected first pick to be 1, got %d", got)
	}
	if got := r.nextPick(); got != 2 {
		t.Fatalf("expected second pick to be 2, got %d", got)
	}
}
