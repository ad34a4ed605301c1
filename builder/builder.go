// Package builder executes the provisioning pipeline: a fixed, ordered
// sequence of steps, each committing one cacheable layer on top of the chain
// built so far. A step's cache key covers its own instruction and every
// earlier step, so changing an early step invalidates everything after it.
package builder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/tinybuild/tinybuild/buildfile"
	"github.com/tinybuild/tinybuild/db"
	"github.com/tinybuild/tinybuild/layer"
	"github.com/tinybuild/tinybuild/sandbox"
)

type Builder struct {
	Store   *layer.Store
	DB      *db.DB
	Sandbox sandbox.Sandbox
	Log     *log.Logger

	// Output, when set, receives the live stdout/stderr of command steps.
	Output io.Writer

	// OnStep is called before a step executes; OnStepDone after its layer
	// is committed or reused.
	OnStep     func(name string)
	OnStepDone func(name string, cached bool, layerDigest string)
}

// Result is a successful build.
type Result struct {
	Image     layer.Image
	Digest    string
	CacheHits int
	Duration  time.Duration
}

// Build provisions an image named name from the manifest, using contextDir as
// the build context. The first failing step aborts the build.
func (b *Builder) Build(ctx context.Context, contextDir string, bf *buildfile.Buildfile, name string) (*Result, error) {
	started := time.Now()
	id := uuid.NewString()

	res, err := b.build(ctx, id, contextDir, bf, name)

	record := db.BuildRecord{
		ID:         id,
		Image:      name,
		StartedAt:  started.UTC(),
		DurationMs: time.Since(started).Milliseconds(),
		Status:     "ok",
	}
	if err != nil {
		record.Status = "failed"
		record.Error = err.Error()
	} else {
		record.Digest = res.Digest
		record.Steps = len(res.Image.Layers)
		record.CacheHits = res.CacheHits
		res.Duration = time.Since(started)
	}
	if dbErr := b.DB.LogBuild(record); dbErr != nil {
		b.logger().Warn("could not record build", "err", dbErr)
	}
	return res, err
}

func (b *Builder) build(ctx context.Context, id, contextDir string, bf *buildfile.Buildfile, name string) (*Result, error) {
	rootfs, err := os.MkdirTemp("", "tinybuild-rootfs-*")
	if err != nil {
		return nil, fmt.Errorf("create build rootfs: %w", err)
	}
	defer os.RemoveAll(rootfs)

	logger := b.logger().With("build", id, "image", name)

	// Step 1: pin the base runtime. The base blob is itself the first layer.
	b.stepStarted("base")
	baseDigest, err := b.resolveBase(ctx, contextDir, bf.Base)
	if err != nil {
		return nil, err
	}
	if err := b.applyLayer(baseDigest, rootfs); err != nil {
		return nil, &StepError{Step: "base", Err: err}
	}
	prev, err := layer.Snapshot(rootfs)
	if err != nil {
		return nil, &StepError{Step: "base", Err: err}
	}
	chain := stepDigest("", "BASE "+baseDigest)
	layers := []string{baseDigest}
	b.stepDone("base", false, baseDigest)
	logger.Debug("base unpacked", "digest", baseDigest, "files", len(prev))

	steps, err := b.plan(contextDir, bf)
	if err != nil {
		return nil, err
	}

	cacheHits := 0
	for _, st := range steps {
		b.stepStarted(st.name)
		chain = stepDigest(chain, st.instruction)

		if digest, ok := b.cachedLayer(chain); ok {
			if err := b.applyLayer(digest, rootfs); err != nil {
				return nil, &StepError{Step: st.name, Err: err}
			}
			if prev, err = layer.Snapshot(rootfs); err != nil {
				return nil, &StepError{Step: st.name, Err: err}
			}
			layers = append(layers, digest)
			cacheHits++
			b.stepDone(st.name, true, digest)
			logger.Debug("cache hit", "step", st.name, "layer", digest)
			continue
		}

		if err := st.run(ctx, rootfs); err != nil {
			return nil, &StepError{Step: st.name, Err: err}
		}
		next, err := layer.Snapshot(rootfs)
		if err != nil {
			return nil, &StepError{Step: st.name, Err: err}
		}
		changed := layer.Diff(prev, next)
		digest, err := b.commitLayer(rootfs, changed)
		if err != nil {
			return nil, &StepError{Step: st.name, Err: err}
		}
		if err := b.DB.SaveLayer(chain, digest, st.instruction); err != nil {
			logger.Warn("could not cache layer", "step", st.name, "err", err)
		}
		layers = append(layers, digest)
		prev = next
		b.stepDone(st.name, false, digest)
		logger.Debug("layer committed", "step", st.name, "layer", digest, "paths", len(changed))
	}

	img := layer.Image{
		ID:      id,
		Name:    name,
		Created: time.Now().UTC(),
		Layers:  layers,
		Config: layer.RunConfig{
			Entrypoint: bf.Entrypoint,
			WorkingDir: bf.Workdir,
			Env:        bf.Env,
		},
	}
	if err := b.Store.SaveImage(img); err != nil {
		return nil, err
	}
	return &Result{Image: img, Digest: chain, CacheHits: cacheHits}, nil
}

func (b *Builder) cachedLayer(chain string) (string, bool) {
	digest, ok, err := b.DB.CachedLayer(chain)
	if err != nil {
		b.logger().Warn("cache lookup failed", "err", err)
		return "", false
	}
	return digest, ok && b.Store.HasBlob(digest)
}

func (b *Builder) applyLayer(digest, rootfs string) error {
	rc, err := b.Store.OpenBlob(digest)
	if err != nil {
		return err
	}
	defer rc.Close()
	return layer.Unpack(rc, rootfs)
}

func (b *Builder) commitLayer(rootfs string, paths []string) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(layer.Pack(rootfs, paths, pw))
	}()
	return b.Store.ImportBlob(pr)
}

// runCommand executes one command step in the rootfs through a shell. Output
// is kept so a failure can show what the step printed.
func (b *Builder) runCommand(ctx context.Context, rootfs, dir, command string, env []string) error {
	out := &bytes.Buffer{}
	var w io.Writer = out
	if b.Output != nil {
		w = io.MultiWriter(out, b.Output)
	}
	code, err := b.Sandbox.Exec(ctx, sandbox.Spec{
		Rootfs: rootfs,
		Dir:    dir,
		Env:    env,
		Argv:   []string{"/bin/sh", "-c", command},
		Stdout: w,
		Stderr: w,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%q exited with status %d\n%s", command, code, tail(out.String(), 2048))
	}
	return nil
}

func (b *Builder) stepStarted(name string) {
	if b.OnStep != nil {
		b.OnStep(name)
	}
}

func (b *Builder) stepDone(name string, cached bool, digest string) {
	if b.OnStepDone != nil {
		b.OnStepDone(name, cached, digest)
	}
}

func (b *Builder) logger() *log.Logger {
	if b.Log != nil {
		return b.Log
	}
	return log.Default()
}

func stepDigest(parent, instruction string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", parent, instruction)
	return hex.EncodeToString(h.Sum(nil))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
