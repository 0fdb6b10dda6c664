package service

import (
	"testing"
	"time"
)

func newStoreWithDevice(t *testing.T, sessionTTL time.Duration) (*SessionStore, string) {
	t.Helper()

	devices := NewDeviceRegistry(time.Hour)
	store := NewSessionStore(devices, sessionTTL, NewStats())

	dev, err := devices.Register("T", "server", DeviceCapabilities{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	return store, dev.ID
}

func TestCreateValidation(t *testing.T) {
	store, devID := newStoreWithDevice(t, time.Hour)

	tests := []struct {
		name string
		dev  string
		cfg  SessionConfig
		want Kind
	}{
		{"unknown device", "dev_missing", SessionConfig{Provider: ProviderClaude, Model: "m", MaxTokens: 10}, KindDeviceUnknown},
		{"unknown provider", devID, SessionConfig{Provider: "frontier", Model: "m", MaxTokens: 10}, KindInvalidArgument},
		{"temperature low", devID, SessionConfig{Provider: ProviderClaude, Model: "m", MaxTokens: 10, Temperature: -0.1}, KindInvalidArgument},
		{"temperature high", devID, SessionConfig{Provider: ProviderClaude, Model: "m", MaxTokens: 10, Temperature: 2.0000001}, KindInvalidArgument},
		{"zero max tokens", devID, SessionConfig{Provider: ProviderClaude, Model: "m"}, KindInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Create(tt.dev, tt.cfg)
			if KindOf(err) != tt.want {
				t.Fatalf("kind = %v, want %v", KindOf(err), tt.want)
			}
		})
	}

	// Temperature boundaries 0 and 2 are valid.
	for _, temp := range []float64{0, 2} {
		if _, err := store.Create(devID, SessionConfig{Provider: ProviderClaude, Model: "m", MaxTokens: 10, Temperature: temp}); err != nil {
			t.Fatalf("temperature %v rejected: %v", temp, err)
		}
	}
}

func TestCreateAppendsSystemPrompt(t *testing.T) {
	store, devID := newStoreWithDevice(t, time.Hour)

	withPrompt, err := store.Create(devID, SessionConfig{Provider: ProviderClaude, Model: "m", MaxTokens: 10, SystemPrompt: "SYS"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(withPrompt.Messages) != 1 || withPrompt.Messages[0].Role != "system" {
		t.Fatalf("expected one system message, got %+v", withPrompt.Messages)
	}

	withoutPrompt, err := store.Create(devID, SessionConfig{Provider: ProviderClaude, Model: "m", MaxTokens: 10})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(withoutPrompt.Messages) != 0 {
		t.Fatalf("expected no messages, got %+v", withoutPrompt.Messages)
	}
}

func TestAppendUpdatesUsage(t *testing.T) {
	store, devID := newStoreWithDevice(t, time.Hour)

	sess, _ := store.Create(devID, SessionConfig{Provider: ProviderClaude, Model: "m", MaxTokens: 10})

	if err := store.Append(sess.ID, Message{Role: "user", Content: "hi", Tokens: 3}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(sess.ID, Message{Role: "assistant", Content: "yo", Tokens: 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	after := store.Get(sess.ID)
	if after.Usage.InputTokens != 3 || after.Usage.OutputTokens != 2 || after.Usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v, want 3/2/5", after.Usage)
	}
}

func TestEndIsIdempotentAndBlocksAppend(t *testing.T) {
	store, devID := newStoreWithDevice(t, time.Hour)

	sess, _ := store.Create(devID, SessionConfig{Provider: ProviderClaude, Model: "m", MaxTokens: 10})

	if err := store.End(sess.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := store.End(sess.ID); err != nil {
		t.Fatalf("End (second): %v", err)
	}

	if got := store.Get(sess.ID).Status; got != SessionEnded {
		t.Fatalf("status = %q, want ended", got)
	}

	err := store.Append(sess.ID, Message{Role: "user", Content: "hi"})
	if KindOf(err) != KindSessionEnded {
		t.Fatalf("kind = %v, want SessionEnded", KindOf(err))
	}
}

func TestSnapshotIsolation(t *testing.T) {
	store, devID := newStoreWithDevice(t, time.Hour)

	sess, _ := store.Create(devID, SessionConfig{Provider: ProviderClaude, Model: "m", MaxTokens: 10, SystemPrompt: "SYS"})

	snap := store.Get(sess.ID)

	if err := store.Append(sess.ID, Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if len(snap.Messages) != 1 {
		t.Fatalf("snapshot grew after append: %d messages", len(snap.Messages))
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	store, devID := newStoreWithDevice(t, 10*time.Millisecond)

	sess, _ := store.Create(devID, SessionConfig{Provider: ProviderClaude, Model: "m", MaxTokens: 10})

	time.Sleep(20 * time.Millisecond)
	store.Sweep()

	if store.Get(sess.ID) != nil {
		t.Fatal("expected idle session to be evicted")
	}
}

func TestDeviceRegistry(t *testing.T) {
	reg := NewDeviceRegistry(10 * time.Millisecond)

	if _, err := reg.Register("", "server", DeviceCapabilities{}); KindOf(err) != KindInvalidArgument {
		t.Fatal("empty name must be rejected")
	}
	if _, err := reg.Register("x", "toaster", DeviceCapabilities{}); KindOf(err) != KindInvalidArgument {
		t.Fatal("unknown type must be rejected")
	}

	a, _ := reg.Register("same", "web", DeviceCapabilities{})
	b, _ := reg.Register("same", "web", DeviceCapabilities{})
	if a.ID == b.ID {
		t.Fatal("duplicate names must get distinct ids")
	}

	if len(reg.List()) != 2 {
		t.Fatalf("List = %d devices, want 2", len(reg.List()))
	}

	time.Sleep(20 * time.Millisecond)
	reg.Touch(a.ID)
	reg.Sweep()

	if reg.Get(a.ID) == nil {
		t.Fatal("touched device must survive the sweep")
	}
	if reg.Get(b.ID) != nil {
		t.Fatal("idle device must be evicted")
	}
}
