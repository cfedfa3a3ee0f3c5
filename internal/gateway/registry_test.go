package gateway

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	ttsmock "github.com/bbbikngman/callwarden/pkg/provider/tts/mock"
)

func ttsWithAudio() *ttsmock.Provider {
	return &ttsmock.Provider{Audio: []byte("mp3")}
}

func newTestRegistry(t *testing.T, maxClients int) *Registry {
	t.Helper()
	s, _ := newTestServer(t, testConfig(), Deps{})
	return NewRegistry(maxClients, s.buildClient)
}

func TestObserveCreatesOncePerIP(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 0)

	c1, created, migrated, err := r.Observe(addr("10.0.0.5", 40001))
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if !created || migrated {
		t.Fatalf("first observe: created=%v migrated=%v", created, migrated)
	}

	// Same IP, rotated ports: one logical client, addresses migrate.
	c2, created, migrated, err := r.Observe(addr("10.0.0.5", 40002))
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if created {
		t.Error("port churn produced a second client")
	}
	if !migrated {
		t.Error("port change did not migrate")
	}
	if c1 != c2 {
		t.Fatal("different client instances for one IP")
	}
	if r.Len() != 1 {
		t.Fatalf("registry size = %d, want 1", r.Len())
	}
}

func TestMigrationPreservesEveryOtherField(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 0)

	c, _, _, err := r.Observe(addr("10.0.0.6", 40001))
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	session := c.SessionIDHex()
	c.markWelcomed()
	c.history.Append("user", "hello")
	c.chunkCounter.Store(7)

	if _, _, migrated, err := r.Observe(addr("10.0.0.6", 41999)); err != nil || !migrated {
		t.Fatalf("migrated=%v err=%v", migrated, err)
	}

	if c.SessionIDHex() != session {
		t.Error("session id changed across migration")
	}
	if c.markWelcomed() {
		t.Error("welcome flag reset across migration")
	}
	if c.history.Len() != 1 {
		t.Error("dialogue history lost across migration")
	}
	if c.chunkCounter.Load() != 7 {
		t.Error("chunk counter reset across migration")
	}
	if got := c.Addr().Port(); got != 41999 {
		t.Errorf("port = %d, want 41999", got)
	}
}

func TestSamePortIsNotAMigration(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 0)
	if _, _, _, err := r.Observe(addr("10.0.0.6", 40001)); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	_, created, migrated, err := r.Observe(addr("10.0.0.6", 40001))
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if created || migrated {
		t.Errorf("stable address: created=%v migrated=%v, want false/false", created, migrated)
	}
}

func TestSoftCapRejectsNewIPsOnly(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 2)

	if _, _, _, err := r.Observe(addr("10.0.0.1", 1)); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if _, _, _, err := r.Observe(addr("10.0.0.2", 1)); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	// A third IP is rejected.
	if _, _, _, err := r.Observe(addr("10.0.0.3", 1)); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("err = %v, want ErrRegistryFull", err)
	}
	// Existing clients keep working, including migration.
	if _, _, migrated, err := r.Observe(addr("10.0.0.1", 2)); err != nil || !migrated {
		t.Fatalf("existing client blocked at cap: migrated=%v err=%v", migrated, err)
	}
	if r.Len() != 2 {
		t.Fatalf("registry size = %d, want 2", r.Len())
	}
}

// S5: the idle client is reaped, the active one untouched.
func TestReapRemovesOnlyIdleClients(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	s, _ := newTestServer(t, cfg, Deps{})

	now := time.Now()
	s.handleDatagram(now, helloDatagram(t), addr("10.0.2.1", 1000))
	s.handleDatagram(now, helloDatagram(t), addr("10.0.2.2", 1000))

	idle := s.registry.Lookup(netip.MustParseAddr("10.0.2.1"))
	active := s.registry.Lookup(netip.MustParseAddr("10.0.2.2"))
	if idle == nil || active == nil {
		t.Fatal("clients missing")
	}
	active.markWelcomed()
	active.history.Append("user", "still here")

	// One client goes quiet past the window.
	idle.touch(now.Add(-cfg.ReapIdle - time.Second))
	s.reapOnce(now)

	if s.registry.Lookup(netip.MustParseAddr("10.0.2.1")) != nil {
		t.Error("idle client survived the reaper")
	}
	if s.registry.Lookup(netip.MustParseAddr("10.0.2.2")) == nil {
		t.Fatal("active client was reaped")
	}
	// The survivor's session is untouched, dialogue and welcome flag included.
	if active.history.Len() != 1 {
		t.Error("active client's dialogue history was disturbed")
	}
	if active.markWelcomed() {
		t.Error("active client's welcome flag was disturbed")
	}
}

func TestReapCancelsWorker(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.GreetingText = "hi"
	cfg.TTSVoiceID = "v"
	s, w := newTestServer(t, cfg, Deps{TTS: ttsWithAudio()})

	now := time.Now()
	s.handleDatagram(now, helloDatagram(t), addr("10.0.2.3", 1000))
	waitFor(t, "greeting", func() bool { return w.count() >= 1 })

	c := s.registry.Lookup(netip.MustParseAddr("10.0.2.3"))
	c.touch(now.Add(-cfg.ReapIdle - time.Second))
	s.reapOnce(now)

	select {
	case <-c.workerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("worker still running after reap")
	}
}

func TestRemoveDestroysRecordAndWelcomeFlag(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 0)
	c, _, _, err := r.Observe(addr("10.0.4.1", 1))
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	c.markWelcomed()

	if got := r.Remove(netip.MustParseAddr("10.0.4.1")); got != c {
		t.Fatal("Remove returned a different client")
	}
	if r.Remove(netip.MustParseAddr("10.0.4.1")) != nil {
		t.Fatal("second Remove found a record")
	}

	// A fresh record after Remove greets again: the welcome flag died with
	// the old one.
	fresh, created, _, err := r.Observe(addr("10.0.4.1", 2))
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if !fresh.markWelcomed() {
		t.Error("fresh record already welcomed")
	}
}

func TestRemoveAllEmptiesRegistry(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, 0)
	for i := 0; i < 3; i++ {
		if _, _, _, err := r.Observe(addr(fmt.Sprintf("10.0.3.%d", i+1), 1)); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	if got := len(r.RemoveAll()); got != 3 {
		t.Fatalf("RemoveAll returned %d clients, want 3", got)
	}
	if r.Len() != 0 {
		t.Fatalf("registry size = %d after RemoveAll", r.Len())
	}
}
