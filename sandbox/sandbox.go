// Package sandbox executes commands inside an image rootfs.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// DefaultEnv is the minimal environment a process sees inside the image.
var DefaultEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"TERM=xterm",
}

// Spec describes one command execution inside a rootfs.
type Spec struct {
	Rootfs string
	// Dir is the in-rootfs working directory; "/" when empty.
	Dir    string
	Env    []string
	Argv   []string
	Stdout io.Writer
	Stderr io.Writer
}

// Sandbox runs a Spec to completion and reports the process exit status.
// A non-nil error means the process could not be started at all.
type Sandbox interface {
	Exec(ctx context.Context, spec Spec) (int, error)
}

// Chroot executes commands under chroot(8). The caller needs whatever
// privileges chroot itself requires.
type Chroot struct{}

func NewChroot() *Chroot { return &Chroot{} }

func (c *Chroot) Exec(ctx context.Context, spec Spec) (int, error) {
	argv, err := chrootArgv(spec)
	if err != nil {
		return -1, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = spec.Env
	if cmd.Env == nil {
		cmd.Env = DefaultEnv
	}
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	return exitStatus(cmd.Run())
}

// chrootArgv builds the host command line. chroot has no notion of a working
// directory, so the command is handed to a shell that cds first and then
// execs the real argv, keeping it the foreground process.
func chrootArgv(spec Spec) ([]string, error) {
	if spec.Rootfs == "" {
		return nil, errors.New("sandbox: rootfs is required")
	}
	if len(spec.Argv) == 0 {
		return nil, errors.New("sandbox: empty command")
	}
	dir := spec.Dir
	if dir == "" {
		dir = "/"
	}
	argv := []string{
		"chroot", spec.Rootfs,
		"/bin/sh", "-c", fmt.Sprintf("cd %s && exec \"$@\"", shellQuote(dir)), "sh",
	}
	return append(argv, spec.Argv...), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
