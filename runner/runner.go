// Package runner materializes a built image and runs its entry process in the
// foreground. The process's exit code becomes the run's exit code, with no
// translation.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tinybuild/tinybuild/db"
	"github.com/tinybuild/tinybuild/layer"
	"github.com/tinybuild/tinybuild/sandbox"
)

type Runner struct {
	Store   *layer.Store
	DB      *db.DB
	Sandbox sandbox.Sandbox
	Log     *log.Logger

	// Stdout and Stderr receive the entry process's output live; it is
	// also captured for the run record.
	Stdout io.Writer
	Stderr io.Writer
}

// Run materializes the named image and blocks until its entry process exits.
// The returned code is the process's own exit status. A non-nil error means
// the process never launched.
func (r *Runner) Run(ctx context.Context, imageName string) (int, error) {
	img, err := r.Store.LoadImage(imageName)
	if err != nil {
		return -1, err
	}
	if len(img.Config.Entrypoint) == 0 {
		return -1, fmt.Errorf("image %s has no entrypoint", imageName)
	}

	rootfs, err := os.MkdirTemp("", "tinybuild-run-*")
	if err != nil {
		return -1, fmt.Errorf("create run rootfs: %w", err)
	}
	defer os.RemoveAll(rootfs)

	// Layers apply in order; later layers shadow earlier paths.
	for _, digest := range img.Layers {
		blob, err := r.Store.OpenBlob(digest)
		if err != nil {
			return -1, err
		}
		err = layer.Unpack(blob, rootfs)
		blob.Close()
		if err != nil {
			return -1, fmt.Errorf("materialize layer %s: %w", digest, err)
		}
	}

	outBuf, errBuf := &bytes.Buffer{}, &bytes.Buffer{}
	stdout := io.Writer(outBuf)
	stderr := io.Writer(errBuf)
	if r.Stdout != nil {
		stdout = io.MultiWriter(outBuf, r.Stdout)
	}
	if r.Stderr != nil {
		stderr = io.MultiWriter(errBuf, r.Stderr)
	}

	env := make([]string, 0, len(sandbox.DefaultEnv)+len(img.Config.Env))
	env = append(env, sandbox.DefaultEnv...)
	env = append(env, img.Config.Env...)

	r.logger().Debug("starting entry process",
		"image", imageName, "entrypoint", strings.Join(img.Config.Entrypoint, " "))

	started := time.Now()
	code, err := r.Sandbox.Exec(ctx, sandbox.Spec{
		Rootfs: rootfs,
		Dir:    img.Config.WorkingDir,
		Env:    env,
		Argv:   img.Config.Entrypoint,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		return -1, fmt.Errorf("launch entrypoint: %w", err)
	}

	record := db.RunRecord{
		Image:      imageName,
		Entrypoint: strings.Join(img.Config.Entrypoint, " "),
		StartedAt:  started.UTC(),
		DurationMs: time.Since(started).Milliseconds(),
		ExitCode:   code,
		Stdout:     outBuf.String(),
		Stderr:     errBuf.String(),
	}
	if dbErr := r.DB.LogRun(record); dbErr != nil {
		r.logger().Warn("could not record run", "err", dbErr)
	}
	return code, nil
}

func (r *Runner) logger() *log.Logger {
	if r.Log != nil {
		return r.Log
	}
	return log.Default()
}
