package main

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v2"

	"github.com/tinybuild/tinybuild/db"
	"github.com/tinybuild/tinybuild/layer"
)

func main() {
	app := &cli.App{
		Name:  "tinybuild",
		Usage: "provision container images from a manifest and run them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "store",
				Usage: "layer store directory",
				Value: defaultStoreDir(),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "show step output and debug logs",
			},
		},
		Commands: []*cli.Command{
			buildCommand,
			runCommand,
			historyCommand,
			mountCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tinybuild"
	}
	return filepath.Join(home, ".tinybuild")
}

// setup opens the store and database and builds the logger every command
// shares. The caller closes the database.
func setup(c *cli.Context) (*layer.Store, *db.DB, *log.Logger, error) {
	store, err := layer.OpenStore(c.String("store"))
	if err != nil {
		return nil, nil, nil, err
	}
	database, err := db.Open(filepath.Join(store.Root(), "tinybuild.db"))
	if err != nil {
		return nil, nil, nil, err
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if c.Bool("verbose") {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.WarnLevel)
	}
	return store, database, logger, nil
}
