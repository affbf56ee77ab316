package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx = withSignalCancel(ctx)
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
