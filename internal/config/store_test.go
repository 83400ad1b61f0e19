package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/store"
)

func openTestStore(t *testing.T) (*Store, *store.Store, *eventbus.Bus) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "onekvm.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	cfgStore, err := Open(db, bus)
	if err != nil {
		t.Fatalf("config.Open: %v", err)
	}
	return cfgStore, db, bus
}

func TestOpenPersistsDefaultsOnFirstBoot(t *testing.T) {
	cfgStore, _, _ := openTestStore(t)

	got := cfgStore.Get()
	want := Default()
	if got.Video.Width != want.Video.Width || got.Web.Port != want.Web.Port {
		t.Fatalf("first-boot snapshot = %+v, want defaults %+v", got, want)
	}
	if got.Initialized {
		t.Fatal("first-boot config should not be marked initialized")
	}
}

func TestUpdatePublishesExactlyOneChangeEventPerSection(t *testing.T) {
	cfgStore, _, bus := openTestStore(t)

	sub := bus.Subscribe()
	defer sub.Close()

	updated, err := cfgStore.Update(SectionVideo, func(c *AppConfig) {
		c.Video.Width = 1280
		c.Video.Height = 720
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Video.Width != 1280 || updated.Video.Height != 720 {
		t.Fatalf("Update returned %+v, want width=1280 height=720", updated.Video)
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind != eventbus.KindConfigChanged {
			t.Fatalf("event kind = %v, want KindConfigChanged", ev.Kind)
		}
		payload, ok := ev.Payload.(ChangeEvent)
		if !ok || payload.Section != SectionVideo {
			t.Fatalf("event payload = %+v, want ChangeEvent{Section: video}", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConfigChanged event")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected exactly one event, got a second: %+v", ev)
	default:
	}

	if got := cfgStore.Get(); got.Video.Width != 1280 {
		t.Fatalf("Get() after Update = %+v, want width=1280", got)
	}
}

func TestUpdateRejectsInvalidDocumentAndLeavesSnapshotUnchanged(t *testing.T) {
	cfgStore, _, bus := openTestStore(t)

	sub := bus.Subscribe()
	defer sub.Close()

	before := cfgStore.Get()

	_, err := cfgStore.Update(SectionWeb, func(c *AppConfig) {
		c.Web.Port = 70000
	})
	if err == nil {
		t.Fatal("expected Update to reject an out-of-range port")
	}

	after := cfgStore.Get()
	if after.Web.Port != before.Web.Port {
		t.Fatalf("snapshot changed after a rejected Update: before=%d after=%d", before.Web.Port, after.Web.Port)
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no event on validation failure, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpdateSurvivesReopenAcrossProcessRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "onekvm.db")

	db1, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	bus1 := eventbus.New()
	cfgStore1, err := Open(db1, bus1)
	if err != nil {
		t.Fatalf("config.Open: %v", err)
	}
	if _, err := cfgStore1.Update(SectionWeb, func(c *AppConfig) { c.Web.Port = 9090 }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	bus1.Close()
	db1.Close()

	db2, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store.Open: %v", err)
	}
	defer db2.Close()
	bus2 := eventbus.New()
	defer bus2.Close()

	cfgStore2, err := Open(db2, bus2)
	if err != nil {
		t.Fatalf("reopen config.Open: %v", err)
	}
	if got := cfgStore2.Get().Web.Port; got != 9090 {
		t.Fatalf("reopened config Web.Port = %d, want 9090", got)
	}
}
