// Package config loads a realm manifest: the TOML description of one
// guest's kernel, root filesystem, home tree, and resource sizing that
// `--realm NAME` resolves to.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// realmDir is where `--realm NAME` looks for `<name>.toml` when the caller
// does not pass an absolute manifest path directly.
const realmDir = "/etc/ph/realms"

// defaultMemoryMiB and defaultVCPUs are used when a manifest omits them;
// spec.md's run loop only ever drives a single vCPU (SMP beyond that is a
// non-goal), so vcpu_count exists in the schema for forward compatibility
// but is validated to equal 1.
const (
	defaultMemoryMiB = 1024
	defaultVCPUs     = 1
)

// defaultKernelPath is the packaged kernel spec.md's `--kernel PATH`
// falls back to when neither the flag nor the manifest names one.
const defaultKernelPath = "/usr/lib/ph/vmlinuz"

// tomlRealm is the on-disk schema, matching the nested-table convention
// the reference runtime's configuration.toml loader uses.
type tomlRealm struct {
	Realm realmTable `toml:"realm"`
}

type realmTable struct {
	Kernel     string `toml:"kernel"`
	BlockImage string `toml:"block_image"`
	Home       string `toml:"home"`
	MemoryMiB  uint64 `toml:"memory_mib"`
	VCPUCount  int    `toml:"vcpu_count"`
	Root       bool   `toml:"root"`
}

// Realm is the resolved, validated configuration for one VM invocation.
type Realm struct {
	Name       string
	Kernel     string
	BlockImage string
	Home       string
	MemoryMiB  uint64
	VCPUCount  int
	Root       bool
}

// InvalidManifestError reports a realm manifest that parsed but failed
// validation (a missing required field, or an unsupported vcpu_count).
type InvalidManifestError struct {
	Path   string
	Reason string
}

func (e *InvalidManifestError) Error() string {
	return fmt.Sprintf("config: invalid realm manifest %s: %s", e.Path, e.Reason)
}

// Load resolves name to a manifest path (unless it already names a file)
// and parses it. home and kernel, if non-empty, override the manifest's
// own fields, matching `--home` and `--kernel` in spec.md §6.
func Load(name, kernelOverride, homeOverride string, asRoot bool) (*Realm, error) {
	path := name
	if !isManifestPath(name) {
		path = filepath.Join(realmDir, name+".toml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read realm manifest %s: %w", path, err)
	}

	var parsed tomlRealm
	if _, err := toml.Decode(string(data), &parsed); err != nil {
		return nil, fmt.Errorf("config: parse realm manifest %s: %w", path, err)
	}

	r := &Realm{
		Name:       name,
		Kernel:     parsed.Realm.Kernel,
		BlockImage: parsed.Realm.BlockImage,
		Home:       parsed.Realm.Home,
		MemoryMiB:  parsed.Realm.MemoryMiB,
		VCPUCount:  parsed.Realm.VCPUCount,
		Root:       parsed.Realm.Root || asRoot,
	}

	if r.MemoryMiB == 0 {
		r.MemoryMiB = defaultMemoryMiB
	}
	if r.VCPUCount == 0 {
		r.VCPUCount = defaultVCPUs
	}
	if kernelOverride != "" {
		r.Kernel = kernelOverride
	}
	if homeOverride != "" {
		r.Home = homeOverride
	}
	if r.Kernel == "" {
		r.Kernel = defaultKernelPath
	}

	if err := r.validate(path); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Realm) validate(path string) error {
	if r.Kernel == "" {
		return &InvalidManifestError{Path: path, Reason: "no kernel path set (manifest or --kernel)"}
	}
	if r.BlockImage == "" {
		return &InvalidManifestError{Path: path, Reason: "realm.block_image is required"}
	}
	if r.VCPUCount != 1 {
		return &InvalidManifestError{Path: path, Reason: "vcpu_count must be 1, SMP guests are unsupported"}
	}
	return nil
}

func isManifestPath(name string) bool {
	return filepath.IsAbs(name) || filepath.Ext(name) == ".toml"
}
