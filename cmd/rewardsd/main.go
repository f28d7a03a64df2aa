package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/driftmark/rewards/app/processor"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := processor.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	// Immediate pass before the first cron tick
	app.ProcessOnce(ctx)

	app.StartCron()

	app.SetupServer()
	app.Start(ctx)
}
