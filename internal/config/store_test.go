package config

import (
	"testing"
	"time"
)

func TestOpenSeedsDefaults(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	value, err := s.Get("solver_binary_path")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if value != Defaults["solver_binary_path"] {
		t.Errorf("got %q, want %q", value, Defaults["solver_binary_path"])
	}
}

func TestSetOverwritesThenGetReflectsIt(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Set("pds_url", "https://example.test"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, err := s.Get("pds_url")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if value != "https://example.test" {
		t.Errorf("got %q", value)
	}
}

func TestGetIntAndGetBoolFallBackOnUnset(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if n := s.GetInt("does_not_exist", 42); n != 42 {
		t.Errorf("GetInt fallback = %d, want 42", n)
	}
	if b := s.GetBool("does_not_exist", true); !b {
		t.Error("GetBool fallback should be true")
	}

	s.Set("trigger_cycle_seconds", "15")
	if n := s.GetInt("trigger_cycle_seconds", 0); n != 15 {
		t.Errorf("GetInt = %d, want 15", n)
	}
}

func TestWatchFiresOnSet(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	fired := make(chan struct{}, 1)
	s.Watch(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	if err := s.Set("pds_url", "https://changed.test"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("expected watcher to fire after Set")
	}
}
