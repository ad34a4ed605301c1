package main

import (
	"fmt"
	"os/exec"

	"github.com/urfave/cli/v2"

	"github.com/tinybuild/tinybuild/imagefs"
)

var mountCommand = &cli.Command{
	Name:      "mount",
	Usage:     "mount a built image read-only for inspection",
	ArgsUsage: "IMAGE MOUNTPOINT",
	Action: func(c *cli.Context) error {
		name := c.Args().Get(0)
		mountpoint := c.Args().Get(1)
		if name == "" || mountpoint == "" {
			return cli.Exit("usage: tinybuild mount IMAGE MOUNTPOINT", 2)
		}

		store, database, logger, err := setup(c)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer database.Close()

		img, err := store.LoadImage(name)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}

		// Clear a stale mount from a previous crash, if any.
		if err := exec.Command("umount", mountpoint).Run(); err == nil {
			logger.Debug("unmounted stale mount", "mountpoint", mountpoint)
		}

		server, err := imagefs.Mount(mountpoint, store, img)
		if err != nil {
			return cli.Exit(fmt.Sprintf("mount %s: %v", name, err), 1)
		}
		fmt.Printf("mounted %s at %s (umount to detach)\n", name, mountpoint)
		server.Wait()
		return nil
	},
}
