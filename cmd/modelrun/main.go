package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"modelrun/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "modelrun: %v\n", err)
		stop()
		os.Exit(1)
	}
}
