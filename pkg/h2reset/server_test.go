package h2reset

import (
	"context"
	"testing"
)

func TestNew(t *testing.T) {
	s := New(DefaultConfig())
	if s == nil {
		t.Fatal("New returned nil")
	}
	if s.Ready() == nil {
		t.Error("Expected a ready channel")
	}
}

func TestNew_InvalidConfigPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for invalid config")
		}
	}()
	config := DefaultConfig()
	config.FullReasonVersion = "bogus"
	New(config)
}

func TestServer_StartWithoutHandler(t *testing.T) {
	s := NewWithDefaults()
	if err := s.Start(); err == nil {
		t.Error("Expected error when starting without a handler")
	}
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := NewWithDefaults().Handler(HandlerFunc(func(ctx *Context) error { return nil }))
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start returned %v", err)
	}
}
