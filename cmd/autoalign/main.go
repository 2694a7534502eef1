package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"autoalign/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.NewRoot(nil, nil).Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
