package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tinybuild/tinybuild/buildfile"
	"github.com/tinybuild/tinybuild/sandbox"
)

// A step is one provisioning instruction. The instruction string feeds the
// cache key, so it must capture everything that affects the step's output
// besides the parent chain.
type step struct {
	name        string
	instruction string
	run         func(ctx context.Context, rootfs string) error
}

// plan expands the manifest into the fixed step sequence: packages, workspace
// copy, tooling, deps. The base step is handled separately since its layer is
// the imported blob itself, and the entrypoint commits no layer at all.
func (b *Builder) plan(contextDir string, bf *buildfile.Buildfile) ([]step, error) {
	var steps []step

	if cmd := bf.PackageCommand(); cmd != "" {
		env := append(stepEnv(bf), "DEBIAN_FRONTEND=noninteractive")
		steps = append(steps, b.commandStep("packages", cmd, "/", env))
	}

	ctxManifest, err := contextManifest(contextDir, bf.Copy)
	if err != nil {
		return nil, fmt.Errorf("hash build context: %w", err)
	}
	workdir := bf.Workdir
	copies := bf.Copy
	steps = append(steps, step{
		name: "workspace",
		instruction: fmt.Sprintf("COPY %s -> %s @%s",
			strings.Join(copies, " "), workdir, ctxManifest.Digest()),
		run: func(ctx context.Context, rootfs string) error {
			return copyContext(contextDir, copies, filepath.Join(rootfs, filepath.FromSlash(workdir)))
		},
	})

	steps = append(steps,
		b.commandStep("tooling", bf.Tooling, "/", stepEnv(bf)),
		b.commandStep("deps", bf.Deps, bf.Workdir, stepEnv(bf)),
	)
	return steps, nil
}

func (b *Builder) commandStep(name, command, dir string, env []string) step {
	return step{
		name:        name,
		instruction: strings.ToUpper(name) + " " + command,
		run: func(ctx context.Context, rootfs string) error {
			return b.runCommand(ctx, rootfs, dir, command, env)
		},
	}
}

func stepEnv(bf *buildfile.Buildfile) []string {
	env := make([]string, 0, len(sandbox.DefaultEnv)+len(bf.Env))
	env = append(env, sandbox.DefaultEnv...)
	return append(env, bf.Env...)
}
