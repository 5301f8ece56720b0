package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/specialistvlad/bdsgo/internal/cli"
)

// main is the entrypoint for the bds command.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run executes one command line. It exists so tests can drive the CLI
// without a process.
func run(inR io.Reader, outW, errW io.Writer, args []string) error {
	root := cli.NewRootCommand(outW, errW)
	root.SetIn(inR)
	root.SetArgs(args)
	return root.Execute()
}
