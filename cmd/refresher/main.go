package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/tvlscope/tvlscope/app/refresher"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := refresher.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	// Warm the cache before the first tick
	app.RefreshOnce(ctx)

	app.StartCron()

	app.SetupServer()

	app.Start(ctx)
}
