package detect

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseVersion(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"claude 1.2.3", "1.2.3"},
		{"v2.0.1-beta.1", "2.0.1-beta.1"},
		{"codex-cli version 0.9", "0.9"},
		{"some tool without numbers", "some tool without numbers"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := parseVersion(tc.in); got != tc.want {
			t.Errorf("parseVersion(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExecutablePath(t *testing.T) {
	dir := t.TempDir()

	exe := filepath.Join(dir, "claude")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, ok := executablePath(exe); !ok {
		t.Fatal("executable not recognized")
	}

	plain := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := executablePath(plain); ok {
		t.Fatal("non-executable accepted")
	}

	if _, ok := executablePath(filepath.Join(dir, "missing")); ok {
		t.Fatal("missing file accepted")
	}
	if _, ok := executablePath(dir); ok {
		t.Fatal("directory accepted")
	}
}

func TestScanFindsExtraBinary(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "myagent")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\necho myagent 3.1.4\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PATH", dir)
	t.Setenv("WARDEN_EXTRA_AGENT_BINS", "myagent")

	agents := Scan()
	for _, a := range agents {
		if a.Name == "myagent" {
			if a.Path != exe {
				t.Fatalf("path = %q", a.Path)
			}
			return
		}
	}
	t.Fatalf("myagent not found in %v", agents)
}
