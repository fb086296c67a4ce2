package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
server_port: ":1080"
pool_size: 10
low_water_fraction: 0.3
sources:
  - kind: oculus
    name: o1
    endpoint: "https://vendor.example/order"
    order_token: "tok"
users:
  - username: alice
    password: secret
    allowed: true
`

func writeConfig(t *testing.T, dir string, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndDecodesSources(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, baseYAML)

	app, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(app.Sources) != 1 || app.Sources[0].Kind != "oculus" {
		t.Fatalf("unexpected sources: %+v", app.Sources)
	}
	if len(app.Users) != 1 || app.Users[0].Username != "alice" {
		t.Fatalf("unexpected users: %+v", app.Users)
	}
}

func TestDumpRendersLoadedConfigAsYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, baseYAML)

	app, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dump, err := app.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	for _, want := range []string{"server_port:", "pool_size: 10", "kind: oculus", "username: alice"} {
		if !strings.Contains(dump, want) {
			t.Errorf("dump missing %q:\n%s", want, dump)
		}
	}
}

func TestCheckReloadToken(t *testing.T) {
	app := App{ReloadToken: "secret-token"}

	if !app.CheckReloadToken("secret-token") {
		t.Fatal("expected matching token to be accepted")
	}
	if app.CheckReloadToken("wrong-token") {
		t.Fatal("expected mismatched token to be rejected")
	}
	if app.CheckReloadToken("") {
		t.Fatal("expected empty supplied token to be rejected")
	}

	empty := App{}
	if empty.CheckReloadToken("") {
		t.Fatal("expected unconfigured reload token to never match, even against an empty supplied token")
	}
	if empty.CheckReloadToken("anything") {
		t.Fatal("expected unconfigured reload token to never match")
	}
}

func TestLoadOnChangeFiresWhenConfigFileIsEdited(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, baseYAML)

	changed := make(chan App, 1)
	_, err := Load(path, func(reloaded App) {
		changed <- reloaded
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	updated := baseYAML + "  - username: bob\n    password: hunter2\n    allowed: true\n"
	// give the watcher a moment to start before the on-disk change.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case reloaded := <-changed:
		if len(reloaded.Users) != 2 {
			t.Fatalf("expected 2 users after reload, got %d: %+v", len(reloaded.Users), reloaded.Users)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("onChange was never invoked after config file edit")
	}
}
