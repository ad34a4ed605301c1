package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tinybuild/tinybuild/buildfile"
	"github.com/tinybuild/tinybuild/builder"
	"github.com/tinybuild/tinybuild/sandbox"
)

var buildCommand = &cli.Command{
	Name:      "build",
	Usage:     "provision an image from a tinybuild.yaml manifest",
	ArgsUsage: "[context dir]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "file",
			Aliases: []string{"f"},
			Value:   "tinybuild.yaml",
			Usage:   "manifest path, relative to the context",
		},
		&cli.StringFlag{
			Name:    "tag",
			Aliases: []string{"t"},
			Value:   "app",
			Usage:   "name for the built image",
		},
	},
	Action: func(c *cli.Context) error {
		contextDir := c.Args().First()
		if contextDir == "" {
			contextDir = "."
		}
		contextDir, err := filepath.Abs(contextDir)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}

		bf, err := buildfile.Load(filepath.Join(contextDir, c.String("file")))
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}

		store, database, logger, err := setup(c)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer database.Close()

		green := color.New(color.FgGreen).SprintFunc()
		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)

		b := &builder.Builder{
			Store:   store,
			DB:      database,
			Sandbox: sandbox.NewChroot(),
			Log:     logger,
			OnStep: func(name string) {
				s.Suffix = " " + name + "..."
				s.Start()
			},
			OnStepDone: func(name string, cached bool, digest string) {
				s.Stop()
				note := ""
				if cached {
					note = " (cached)"
				}
				fmt.Printf("%s %s%s\n", green("✓"), name, note)
			},
		}
		if c.Bool("verbose") {
			b.Output = os.Stdout
		}

		res, err := b.Build(c.Context, contextDir, bf, c.String("tag"))
		if err != nil {
			s.Stop()
			color.Red("✗ build failed")
			return cli.Exit(err.Error(), 1)
		}

		fmt.Printf("%s built %s (%d layers, %d cached) in %s\n",
			green("✓"), res.Image.Name, len(res.Image.Layers), res.CacheHits,
			res.Duration.Round(time.Millisecond))
		return nil
	},
}
