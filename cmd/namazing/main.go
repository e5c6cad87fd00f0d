// Package main provides the namazing CLI entrypoint.
//
// Usage:
//
//	namazing <command> [options]
//
// Exit codes for `run` and `watch`:
//   - 0: run completed
//   - 1: run failed, or the command itself failed
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/namazing/cli/cmd"
	"github.com/pithecene-io/namazing/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func newApp() *cli.App {
	return &cli.App{
		Name:           "namazing",
		Usage:          "Baby-name consultation run orchestrator",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		Flags:          []cli.Flag{cmd.ConfigFlag},
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.RunCommand(),
			cmd.InspectCommand(),
			cmd.WatchCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// exitErrHandler prints err when it carries a message and exits with its code.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	code, msg := exitStatus(err)
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}

// exitStatus maps an action error onto an exit code and the message to
// print. cli.Exit("", n) prints nothing.
func exitStatus(err error) (int, string) {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return code, msg
	}
	return 1, fmt.Sprintf("Error: %v", err)
}
