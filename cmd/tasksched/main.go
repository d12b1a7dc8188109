package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tasksched",
		Usage: "bounded-concurrency task scheduler",
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			demoCommand(),
		},
	}
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "./config.yaml",
		Usage:   "path to the config file (.json, .yaml or .yml)",
		EnvVars: []string{"TASKSCHED_CONFIG"},
	}
}
