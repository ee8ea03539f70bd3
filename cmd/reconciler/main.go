package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang-reconciliation-engine/cmd/reconciler/cmd"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, date)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()

	if code := cmd.NewCLIErrorHandler(os.Stderr).HandleError(err); code != 0 {
		os.Exit(code)
	}
}
