//go:build linux

package autostart

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderUnit(t *testing.T) {
	unit := renderUnit(Options{
		ExecPath:   "/usr/local/bin/governor",
		ConfigPath: "/etc/governor/governor.yaml",
		DataDir:    "/var/lib/governor",
	})
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/governor run --config /etc/governor/governor.yaml\n") {
		t.Errorf("unexpected ExecStart in unit:\n%s", unit)
	}
	if !strings.Contains(unit, "ReadWritePaths=/var/lib/governor\n") {
		t.Errorf("unexpected ReadWritePaths in unit:\n%s", unit)
	}
}

func TestSpecArgsWithoutConfig(t *testing.T) {
	got := Options{ExecPath: "/bin/governor"}.Args()
	if len(got) != 1 || got[0] != "run" {
		t.Errorf("Args() = %v, want [run]", got)
	}
}

func TestUninstallRemovesUnit(t *testing.T) {
	unit := filepath.Join(t.TempDir(), "governor.service")
	if err := os.WriteFile(unit, []byte("[Unit]\n"), 0600); err != nil {
		t.Fatal(err)
	}
	var ran []string
	m := &linuxManager{unitPath: unit, run: func(name string, args ...string) error {
		ran = append(ran, name+" "+strings.Join(args, " "))
		return nil
	}}

	installed, err := m.IsInstalled()
	if err != nil || !installed {
		t.Fatalf("IsInstalled() = %v, %v; want true", installed, err)
	}
	if err := m.Uninstall(); err != nil {
		t.Fatal(err)
	}
	if installed, _ := m.IsInstalled(); installed {
		t.Error("unit file still present after Uninstall")
	}
	if len(ran) != 3 || ran[2] != "systemctl daemon-reload" {
		t.Errorf("commands = %v", ran)
	}
}
