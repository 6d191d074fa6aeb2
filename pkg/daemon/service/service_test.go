package service

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUnitContents(t *testing.T) {
	got := UnitContents("/usr/local/bin/micmond", "")

	if !strings.Contains(got, "ExecStart=/usr/local/bin/micmond\n") {
		t.Error("unit file missing ExecStart with binary path")
	}
	if !strings.Contains(got, "Type=notify") {
		t.Error("unit file missing Type=notify")
	}
	if !strings.Contains(got, "Restart=on-failure") {
		t.Error("unit file missing Restart=on-failure")
	}
	if !strings.Contains(got, "[Install]") {
		t.Error("unit file missing [Install] section")
	}
}

func TestUnitContentsWithConfig(t *testing.T) {
	got := UnitContents("/usr/local/bin/micmond", "/home/u/.config/micmon/micmon.yaml")
	want := "ExecStart=/usr/local/bin/micmond --config /home/u/.config/micmon/micmon.yaml"
	if !strings.Contains(got, want) {
		t.Errorf("unit file missing %q, got:\n%s", want, got)
	}
}

func TestUnitPath(t *testing.T) {
	path, err := UnitPath()
	if err != nil {
		t.Fatalf("UnitPath() error: %v", err)
	}
	if !strings.HasSuffix(path, "systemd/user/micmond.service") {
		t.Errorf("UnitPath() = %q, want suffix systemd/user/micmond.service", path)
	}
}

func TestStatusNoSocket(t *testing.T) {
	got := Status(filepath.Join(t.TempDir(), "micmon.sock"))
	if !strings.Contains(got, "socket: inactive") {
		t.Errorf("Status() should report inactive socket, got: %s", got)
	}
}

func TestStatusStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "micmon.sock")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	got := Status(path)
	if !strings.Contains(got, "socket: stale") {
		t.Errorf("Status() should report stale socket, got: %s", got)
	}
}

func TestStatusWithSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "micmon.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	got := Status(path)
	if !strings.Contains(got, "socket: active") {
		t.Errorf("Status() should report active socket, got: %s", got)
	}
}
