// Command settlement-engine runs the settlement engine over Redis with the
// simulated ledger adapter and serves the connector API over HTTP.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/LerianStudio/lib-settlement/settlement"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/zap"
)

func main() {
	settlement.InitLocalEnvConfig()

	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := zap.New(cfg.loggerConfig())
	if err != nil {
		return err
	}

	svc, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to start settlement engine", log.Err(err))
		_ = logger.Sync(ctx)

		return err
	}

	return settlement.NewLauncher(
		settlement.WithLogger(logger),
		settlement.RunApp("settlement-engine", svc.server),
	).RunWithError()
}
