package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deepscrub/internal/app"
	"deepscrub/internal/config"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config json/yaml (optional)")
	overrides := config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	os.Exit(run(cfgPath, overrides()))
}

func run(cfgPath string, o config.Overrides) int {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reason := app.StopUnknown
	go func() {
		select {
		case sig := <-sigs:
			reason = app.StopReasonFromSignal(sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := app.New(cfgPath, o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	stop := func(r app.StopReason) {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = a.Stop(sctx, r)
	}

	if a.SingleShot() {
		err := a.RunOnce(ctx)
		stop(app.StopSingleShot)
		if err != nil {
			return 1
		}
		return 0
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(app.StopFatalError)
		return 1
	}

	<-a.Done()
	if err := a.Err(); err != nil {
		stop(app.StopFatalError)
		return 1
	}
	stop(reason)
	return 0
}
