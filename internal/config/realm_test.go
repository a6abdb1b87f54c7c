package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "workstation.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
[realm]
kernel = "/boot/vmlinuz"
block_image = "/var/lib/ph/workstation.img"
`)

	r, err := Load(path, "", "", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.MemoryMiB != defaultMemoryMiB {
		t.Fatalf("expected default memory %d, got %d", defaultMemoryMiB, r.MemoryMiB)
	}
	if r.VCPUCount != defaultVCPUs {
		t.Fatalf("expected default vcpu count %d, got %d", defaultVCPUs, r.VCPUCount)
	}
	if r.Root {
		t.Fatal("expected root to default false")
	}
}

func TestLoadFallsBackToPackagedKernelWhenUnset(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
[realm]
block_image = "/var/lib/ph/workstation.img"
`)

	r, err := Load(path, "", "", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Kernel != defaultKernelPath {
		t.Fatalf("expected default kernel path %q, got %q", defaultKernelPath, r.Kernel)
	}
}

func TestLoadKernelAndHomeOverridesWinOverManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
[realm]
kernel = "/boot/vmlinuz"
block_image = "/var/lib/ph/workstation.img"
home = "/home/alice"
`)

	r, err := Load(path, "/boot/vmlinuz-custom", "/home/bob", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Kernel != "/boot/vmlinuz-custom" {
		t.Fatalf("expected --kernel override to win, got %q", r.Kernel)
	}
	if r.Home != "/home/bob" {
		t.Fatalf("expected --home override to win, got %q", r.Home)
	}
}

func TestLoadRootFlagOrsWithManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
[realm]
kernel = "/boot/vmlinuz"
block_image = "/var/lib/ph/workstation.img"
`)

	r, err := Load(path, "", "", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !r.Root {
		t.Fatal("expected --root to force root=true regardless of manifest")
	}
}

func TestLoadMissingBlockImageIsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
[realm]
kernel = "/boot/vmlinuz"
`)

	if _, err := Load(path, "", "", false); err == nil {
		t.Fatal("expected a missing block_image to fail validation")
	}
}

func TestLoadRejectsMultipleVCPUs(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
[realm]
kernel = "/boot/vmlinuz"
block_image = "/var/lib/ph/workstation.img"
vcpu_count = 2
`)

	_, err := Load(path, "", "", false)
	if err == nil {
		t.Fatal("expected vcpu_count=2 to fail validation")
	}
	if _, ok := err.(*InvalidManifestError); !ok {
		t.Fatalf("expected *InvalidManifestError, got %T", err)
	}
}

func TestLoadMissingManifestWrapsReadError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"), "", "", false)
	if err == nil {
		t.Fatal("expected a missing manifest file to error")
	}
}
