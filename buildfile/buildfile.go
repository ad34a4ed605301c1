// Package buildfile parses the tinybuild.yaml provisioning manifest.
package buildfile

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the manifest omits a field.
const (
	DefaultWorkdir = "/app"
	DefaultTooling = "pip install poetry"
	DefaultDeps    = "poetry install --no-root"
)

// Buildfile is the declarative provisioning manifest. Steps always execute in
// the same order: base, packages, workspace, tooling, deps. The entrypoint is
// recorded in the image config and deferred to run time.
type Buildfile struct {
	// Base is the pinned runtime rootfs tarball: a local path or an
	// http(s) URL. An unresolvable base aborts the build.
	Base string `yaml:"base"`
	// Packages are OS packages installed in one non-interactive
	// package-manager invocation.
	Packages []string `yaml:"packages"`
	// Workdir is the fixed in-image directory that owns the copied tree.
	Workdir string `yaml:"workdir"`
	// Copy lists context-relative paths copied verbatim into Workdir.
	Copy []string `yaml:"copy"`
	// Tooling installs the dependency manager into the runtime.
	Tooling string `yaml:"tooling"`
	// Deps resolves and installs the project's declared dependencies
	// without installing the project itself.
	Deps string `yaml:"deps"`
	// Entrypoint is the foreground command the container runs, invoked
	// through the dependency manager.
	Entrypoint []string `yaml:"entrypoint"`
	// Env entries (KEY=VALUE) are baked into the image and visible to
	// every command step.
	Env []string `yaml:"env"`
}

// Load reads and parses the manifest at path.
func Load(path string) (*Buildfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read buildfile: %w", err)
	}
	bf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return bf, nil
}

// Parse unmarshals a manifest, applies defaults and validates it.
func Parse(data []byte) (*Buildfile, error) {
	bf := &Buildfile{}
	if err := yaml.Unmarshal(data, bf); err != nil {
		return nil, fmt.Errorf("parse buildfile: %w", err)
	}
	bf.applyDefaults()
	if err := bf.validate(); err != nil {
		return nil, err
	}
	return bf, nil
}

func (bf *Buildfile) applyDefaults() {
	if bf.Workdir == "" {
		bf.Workdir = DefaultWorkdir
	}
	if len(bf.Copy) == 0 {
		bf.Copy = []string{"."}
	}
	if bf.Tooling == "" {
		bf.Tooling = DefaultTooling
	}
	if bf.Deps == "" {
		bf.Deps = DefaultDeps
	}
}

func (bf *Buildfile) validate() error {
	if bf.Base == "" {
		return fmt.Errorf("buildfile: base is required")
	}
	if len(bf.Entrypoint) == 0 {
		return fmt.Errorf("buildfile: entrypoint is required")
	}
	if !path.IsAbs(bf.Workdir) {
		return fmt.Errorf("buildfile: workdir must be absolute, got %q", bf.Workdir)
	}
	for _, c := range bf.Copy {
		clean := path.Clean(c)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("buildfile: copy path %q escapes the build context", c)
		}
	}
	for _, e := range bf.Env {
		if !strings.Contains(e, "=") {
			return fmt.Errorf("buildfile: env entry %q is not KEY=VALUE", e)
		}
	}
	return nil
}

// PackageCommand is the single non-interactive package-manager invocation for
// the packages step, or "" when no packages are declared.
func (bf *Buildfile) PackageCommand() string {
	if len(bf.Packages) == 0 {
		return ""
	}
	return "apt-get update && apt-get install -y --no-install-recommends " + strings.Join(bf.Packages, " ")
}
