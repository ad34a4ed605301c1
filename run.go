package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tinybuild/tinybuild/runner"
	"github.com/tinybuild/tinybuild/sandbox"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "start an image's entry process in the foreground",
	ArgsUsage: "IMAGE",
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.Exit("image name is required", 2)
		}

		store, database, logger, err := setup(c)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer database.Close()

		r := &runner.Runner{
			Store:   store,
			DB:      database,
			Sandbox: sandbox.NewChroot(),
			Log:     logger,
			Stdout:  os.Stdout,
			Stderr:  os.Stderr,
		}

		code, err := r.Run(c.Context, name)
		if err != nil {
			return cli.Exit(fmt.Sprintf("run %s: %v", name, err), 1)
		}
		if code != 0 {
			// The entry process's exit code is the command's exit code.
			return cli.Exit("", code)
		}
		return nil
	},
}
