package pipeline

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/koelabs/koe/server/domain/repositories"
)

func newTestRegistry(t *testing.T) (*Registry, *fakeSTT) {
	t.Helper()
	stt := &fakeSTT{}
	registry := NewRegistry(stt, &fakeLLM{}, &fakeTTS{}, testConfig(), zaptest.NewLogger(t))
	return registry, stt
}

func TestRegistryOpenAndLookup(t *testing.T) {
	registry, _ := newTestRegistry(t)
	audio := repositories.AudioConfig{SampleRate: 16000}

	session, err := registry.Open(context.Background(), "conn-1", &fakeTransport{}, audio)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer registry.Close("conn-1")

	got, ok := registry.Lookup("conn-1")
	if !ok || got != session {
		t.Errorf("Lookup = %v, %v; want the opened session", got, ok)
	}
	if _, ok := registry.Lookup("conn-2"); ok {
		t.Error("Lookup found a session that was never opened")
	}
}

func TestRegistryRejectsDuplicateOpen(t *testing.T) {
	registry, _ := newTestRegistry(t)
	audio := repositories.AudioConfig{}

	if _, err := registry.Open(context.Background(), "conn-1", &fakeTransport{}, audio); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer registry.Close("conn-1")

	if _, err := registry.Open(context.Background(), "conn-1", &fakeTransport{}, audio); err != ErrDuplicateSession {
		t.Errorf("second Open = %v, want ErrDuplicateSession", err)
	}
}

func TestRegistryOpenRollsBackOnFailure(t *testing.T) {
	stt := &fakeSTT{failOpen: true}
	registry := NewRegistry(stt, &fakeLLM{}, &fakeTTS{}, testConfig(), zaptest.NewLogger(t))

	if _, err := registry.Open(context.Background(), "conn-1", &fakeTransport{}, repositories.AudioConfig{}); err == nil {
		t.Fatal("expected Open to fail")
	}

	// The failed slot must be reusable.
	stt.mu.Lock()
	stt.failOpen = false
	stt.mu.Unlock()
	if _, err := registry.Open(context.Background(), "conn-1", &fakeTransport{}, repositories.AudioConfig{}); err != nil {
		t.Errorf("Open after rollback = %v, want success", err)
	}
	registry.Close("conn-1")
}

func TestRegistryClose(t *testing.T) {
	registry, _ := newTestRegistry(t)

	session, err := registry.Open(context.Background(), "conn-1", &fakeTransport{}, repositories.AudioConfig{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := registry.Close("conn-1"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := session.State(); got != StateClosed {
		t.Errorf("session state after registry Close = %v, want closed", got)
	}
	if err := registry.Close("conn-1"); err != ErrSessionNotFound {
		t.Errorf("second Close = %v, want ErrSessionNotFound", err)
	}

	// The slot is free again after Close.
	if _, err := registry.Open(context.Background(), "conn-1", &fakeTransport{}, repositories.AudioConfig{}); err != nil {
		t.Errorf("reopen after Close = %v, want success", err)
	}
	registry.Close("conn-1")
}

func TestRegistryShutdownClosesAll(t *testing.T) {
	registry, _ := newTestRegistry(t)

	first, _ := registry.Open(context.Background(), "conn-1", &fakeTransport{}, repositories.AudioConfig{})
	second, _ := registry.Open(context.Background(), "conn-2", &fakeTransport{}, repositories.AudioConfig{})

	registry.Shutdown()

	if first.State() != StateClosed || second.State() != StateClosed {
		t.Error("Shutdown left sessions open")
	}
	if _, ok := registry.Lookup("conn-1"); ok {
		t.Error("Lookup found a session after Shutdown")
	}
}
