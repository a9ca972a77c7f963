package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileWritesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	store, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !FileExists(path) {
		t.Fatal("expected default config to be written")
	}
	if len(store.Document().Routes) == 0 {
		t.Fatal("expected default document to contain a route")
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"email":"","cache_dir":"x","routes":{},"bogus":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected schema error for unknown field")
	}
}

func TestLoad_SSLRequiresEmail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	doc := `{"email":"","cache_dir":"x","routes":{"a.test":{"host":"127.0.0.1","path":"","port":9001,"ssl_enable":true,"listen_port":null,"redirect_to_https":false,"subroutes":[]}}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected invariant violation for ssl_enable without email")
	}
}

func TestLoad_RejectsReservedListenPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	doc := `{"email":"","cache_dir":"x","routes":{"a.test":{"host":"127.0.0.1","path":"","port":9001,"ssl_enable":false,"listen_port":443,"redirect_to_https":false,"subroutes":[]}}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected PortReservedError")
	}
	if _, ok := err.(*PortReservedError); !ok {
		t.Fatalf("expected *PortReservedError, got %T: %v", err, err)
	}
}

func TestStore_AddRemoveUpdateRoute(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	store, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.AddRoute("api.test", &RouteEntry{Host: "127.0.0.1", Port: 9100}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	if _, ok := store.Document().Routes["api.test"]; !ok {
		t.Fatal("expected route to be added")
	}

	if err := store.UpdateRoute("api.test", func(r *RouteEntry) { r.Port = 9200 }); err != nil {
		t.Fatalf("UpdateRoute: %v", err)
	}
	if got := store.Document().Routes["api.test"].Port; got != 9200 {
		t.Fatalf("expected updated port 9200, got %d", got)
	}

	if err := store.AddSubroute("api.test", "/v1", 9300); err != nil {
		t.Fatalf("AddSubroute: %v", err)
	}
	if got := len(store.Document().Routes["api.test"].Subroutes); got != 1 {
		t.Fatalf("expected 1 subroute, got %d", got)
	}

	if err := store.RemoveRoute("api.test"); err != nil {
		t.Fatalf("RemoveRoute: %v", err)
	}
	if _, ok := store.Document().Routes["api.test"]; ok {
		t.Fatal("expected route to be removed")
	}
}

func TestStore_SaveIsWriteRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	store, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddRoute("api.test", &RouteEntry{Host: "127.0.0.1", Port: 9100}); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "config.json" {
			t.Fatalf("expected no leftover temp files, found %q", e.Name())
		}
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reloading saved file failed: %v", err)
	}
	if _, ok := reloaded.Document().Routes["api.test"]; !ok {
		t.Fatal("expected saved route to survive a reload")
	}
}

func TestStore_SubscribePublishesOnMutation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	store, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	ch := store.Subscribe()
	if err := store.AddRoute("api.test", &RouteEntry{Host: "127.0.0.1", Port: 9100}); err != nil {
		t.Fatal(err)
	}

	select {
	case snap := <-ch:
		if _, ok := snap.Lookup("api.test"); !ok {
			t.Fatal("expected published snapshot to contain new route")
		}
	default:
		t.Fatal("expected a snapshot to be published on the subscriber channel")
	}
}

func TestStore_AddRouteDuplicateKeyFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	store, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddRoute("dup.test", &RouteEntry{Host: "127.0.0.1", Port: 9100}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddRoute("dup.test", &RouteEntry{Host: "127.0.0.1", Port: 9200}); err == nil {
		t.Fatal("expected error adding duplicate route key")
	}
}
