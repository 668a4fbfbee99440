package signer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeFileTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, content, 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestIsMachOFile(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		data []byte
		want bool
	}{
		{"macho64", []byte{0xcf, 0xfa, 0xed, 0xfe, 0x00}, true},
		{"macho32", []byte{0xce, 0xfa, 0xed, 0xfe, 0x00}, true},
		{"fat", []byte{0xca, 0xfe, 0xba, 0xbe, 0x00}, true},
		{"fat64", []byte{0xca, 0xfe, 0xba, 0xbf, 0x00}, true},
		{"text", []byte("#!/bin/sh\n"), false},
		{"short", []byte{0xcf}, false},
	}
	for _, tc := range cases {
		path := filepath.Join(dir, tc.name)
		if err := os.WriteFile(path, tc.data, 0o755); err != nil {
			t.Fatal(err)
		}
		if got := isMachOFile(path); got != tc.want {
			t.Errorf("isMachOFile(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
	if isMachOFile(filepath.Join(dir, "does-not-exist")) {
		t.Error("missing file reported as Mach-O")
	}
}

func TestNestedBundleDirsDeepestFirst(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Example.app")
	writeFileTree(t, root, map[string][]byte{
		"Example":                      []byte("bin"),
		"Frameworks/App.framework/App": []byte("bin"),
		"PlugIns/Share.appex/Share":    []byte("bin"),
		"PlugIns/Share.appex/Nested.framework/Nested": []byte("bin"),
	})

	// The walk stops at each nested bundle, so the framework inside the
	// .appex is that bundle's concern, not a top-level entry.
	dirs := nestedBundleDirs(root)
	if len(dirs) != 2 {
		t.Fatalf("got %d nested bundles: %v", len(dirs), dirs)
	}
	for _, dir := range dirs {
		base := filepath.Base(dir)
		if base != "App.framework" && base != "Share.appex" {
			t.Errorf("unexpected nested bundle %s", dir)
		}
	}
}

func TestNestedBundleDirsSkipsInnerContents(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Example.app")
	writeFileTree(t, root, map[string][]byte{
		"PlugIns/Share.appex/Frameworks/Inner.framework/Inner": []byte("bin"),
	})
	dirs := nestedBundleDirs(root)
	if len(dirs) != 1 || filepath.Base(dirs[0]) != "Share.appex" {
		t.Errorf("nestedBundleDirs = %v, want just the .appex", dirs)
	}
}

func TestLooseBinaries(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Example.app")
	macho64 := []byte{0xcf, 0xfa, 0xed, 0xfe, 0x00, 0x00}
	writeFileTree(t, root, map[string][]byte{
		"Example":                      macho64,
		"libswiftCore.dylib":           macho64,
		"Info.plist":                   []byte("<plist/>"),
		"Frameworks/App.framework/App": macho64,
	})

	binaries := looseBinaries(root)
	if len(binaries) != 2 {
		t.Fatalf("got %d loose binaries: %v", len(binaries), binaries)
	}
	for _, path := range binaries {
		if filepath.Base(path) == "App" {
			t.Error("binary inside a nested bundle listed as loose")
		}
	}
}

func TestBundleIDOf(t *testing.T) {
	dir := t.TempDir()
	info := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>com.example.widget</string>
</dict>
</plist>`
	if err := os.WriteFile(filepath.Join(dir, "Info.plist"), []byte(info), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := bundleIDOf(dir, "fallback"); got != "com.example.widget" {
		t.Errorf("bundleIDOf = %q", got)
	}
	if got := bundleIDOf(t.TempDir(), "fallback"); got != "fallback" {
		t.Errorf("bundleIDOf without Info.plist = %q", got)
	}
}

func TestByteOrderHelpers(t *testing.T) {
	if got := le32(0x11223344); !bytes.Equal(got, []byte{0x44, 0x33, 0x22, 0x11}) {
		t.Errorf("le32 = %x", got)
	}
	if got := be32(0x11223344); !bytes.Equal(got, []byte{0x11, 0x22, 0x33, 0x44}) {
		t.Errorf("be32 = %x", got)
	}
	if got := le64(0x1122334455667788); !bytes.Equal(got, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}) {
		t.Errorf("le64 = %x", got)
	}
}
