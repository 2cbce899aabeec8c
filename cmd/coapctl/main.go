// Command coapctl sends CoAP requests and serves resources over UDP, TCP or DTLS.
package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pion/logging"
	"golang.org/x/sync/errgroup"
)

func main() {
	log := logging.NewDefaultLoggerFactory().NewLogger("coapctl")
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("cannot load .env file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return commands().ExecuteContext(ctx)
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, log)
	})
	if err := g.Wait(); err != nil {
		os.Exit(1)
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, log logging.LeveledLogger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case <-c:
		log.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
