package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"stationlink/backend/libs/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logging.NewLogger("ocpp-server")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := newCLI(logger).RunContext(ctx, os.Args); err != nil {
		logger.Fatal("ocpp server stopped with error", zap.Error(err))
	}
}
