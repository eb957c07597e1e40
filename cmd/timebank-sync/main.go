package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/timebank-sync/timebank"
)

var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(newApp(stdout, stderr))
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %s\n", describe(err))
		return 1
	}

	return 0
}

// describe prefers the user-facing text carried by engine errors.
func describe(err error) string {
	var ae *timebank.ActionError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}

	return err.Error()
}
