package session

import (
	"context"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/dialog"
)

func testFactory(reg **Registry) Factory {
	return func(ctx context.Context, streamID, callSID, traceID string) (*Session, error) {
		gen := dialog.NewGenerator(&scriptedLLM{}, dialog.NewHistory("sys"), nil)
		sink := &captureSink{}
		return New(Config{StreamID: streamID, CallSID: callSID, TraceID: traceID},
			newFakeTranscriber(), newFakeSynth(), gen, sink.send, nil,
			func(id, reason string) { (*reg).Remove(id) }), nil
	}
}

func TestRegistryCreateAndRemove(t *testing.T) {
	var reg *Registry
	reg = NewRegistry(testFactory(&reg))

	sess, created, err := reg.Create(context.Background(), "MZ1", "CA123", "trace-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created || sess == nil {
		t.Fatalf("expected new session")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected count 1, got %d", reg.Count())
	}

	again, created, err := reg.Create(context.Background(), "MZ1", "CA123", "trace-1")
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if created || again != sess {
		t.Fatalf("expected existing session on duplicate start")
	}

	sess.Close("completed")
	if _, ok := reg.Get("MZ1"); ok {
		t.Fatalf("expected entry removed on close")
	}
	if reg.Count() != 0 {
		t.Fatalf("expected count 0, got %d", reg.Count())
	}

	// Duplicate teardown paths: removing again must be a no-op.
	reg.Remove("MZ1")
	reg.Close("MZ1", "completed")
	if reg.Count() != 0 {
		t.Fatalf("expected count stable, got %d", reg.Count())
	}
}

func TestRegistryEmptyStreamID(t *testing.T) {
	var reg *Registry
	reg = NewRegistry(testFactory(&reg))
	sess, created, err := reg.Create(context.Background(), "", "CA123", "")
	if err != nil || sess != nil || created {
		t.Fatalf("expected nil session for empty stream id")
	}
}

func TestRegistryWaitForEmpty(t *testing.T) {
	var reg *Registry
	reg = NewRegistry(testFactory(&reg))
	if _, _, err := reg.Create(context.Background(), "MZ1", "CA123", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.CloseAll("draining")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !reg.WaitForEmpty(ctx, 10*time.Millisecond) {
		t.Fatalf("expected registry drained")
	}
}
