package main

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"

	retinagrader "github.com/menta2k/retina-grader"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	configPath string
	debug      bool
)

func main() {
	app := &cli.App{
		Name:    "retina-grader",
		Usage:   "Grade diabetic retinopathy in fundus photographs",
		Version: retinagrader.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the JSON config file (missing file means defaults)",
				Aliases:     []string{"c"},
				Destination: &configPath,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "Log every pipeline stage",
				Destination: &debug,
			},
		},
		Commands: []*cli.Command{
			predictCommand,
			serveCommand,
			statsCommand,
			probeCommand,
			configCommand,
			tokenCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
