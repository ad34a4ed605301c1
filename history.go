package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

var historyCommand = &cli.Command{
	Name:  "history",
	Usage: "list recorded builds and runs",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"n"},
			Value:   20,
			Usage:   "maximum entries per section",
		},
	},
	Action: func(c *cli.Context) error {
		_, database, _, err := setup(c)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer database.Close()

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		builds, err := database.Builds(c.Int("limit"))
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		fmt.Println("Builds:")
		if len(builds) == 0 {
			fmt.Println("  (none)")
		}
		for _, b := range builds {
			mark := green("✓")
			if b.Status != "ok" {
				mark = red("✗")
			}
			fmt.Printf("  %s %s  %s  %d steps (%d cached)  %dms  %s\n",
				mark, b.StartedAt.Local().Format(time.DateTime), b.Image,
				b.Steps, b.CacheHits, b.DurationMs, short(b.ID))
		}

		runs, err := database.Runs(c.Int("limit"))
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		fmt.Println("Runs:")
		if len(runs) == 0 {
			fmt.Println("  (none)")
		}
		for _, r := range runs {
			mark := green("✓")
			if r.ExitCode != 0 {
				mark = red("✗")
			}
			fmt.Printf("  %s %s  %s  exit %d  %dms  %s\n",
				mark, r.StartedAt.Local().Format(time.DateTime), r.Image,
				r.ExitCode, r.DurationMs, r.Entrypoint)
		}
		return nil
	},
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
