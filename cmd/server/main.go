package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/preidman/dex/config"
	"github.com/preidman/dex/domain/fees"
	"github.com/preidman/dex/domain/order"
	"github.com/preidman/dex/domain/rates"
	"github.com/preidman/dex/infra/balances"
	"github.com/preidman/dex/infra/eventlog"
	"github.com/preidman/dex/infra/eventlog/filelog"
	"github.com/preidman/dex/infra/eventlog/kafkalog"
	"github.com/preidman/dex/infra/outbox"
	"github.com/preidman/dex/infra/store"
	"github.com/preidman/dex/jobs/settlement"
	"github.com/preidman/dex/service"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("matcher exited")
	}
}

func run(logger *logrus.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Env == "development" {
		logger.SetLevel(logrus.DebugLevel)
	}

	st, err := store.Open(cfg.Storage.StoreDir())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	box, err := outbox.Open(cfg.Storage.OutboxDir())
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer box.Close()

	elog, err := openEventLog(cfg, logger)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer elog.Close()

	table, err := rates.NewTable(st)
	if err != nil {
		return fmt.Errorf("load rates: %w", err)
	}
	ledger, err := balances.NewLedger(st)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	feeMode, err := buildFeeMode(cfg.Fee)
	if err != nil {
		return err
	}

	engine := service.NewEngine(service.Config{
		AcceptTimeout:    cfg.Engine.AcceptTimeout,
		CatchUpTimeout:   cfg.Engine.CatchUpTimeout,
		SnapshotEvery:    cfg.Engine.SnapshotEvery,
		SnapshotInterval: cfg.Engine.SnapshotInterval,
		ExpiryInterval:   cfg.Engine.ExpiryInterval,
		DepthLevels:      cfg.Engine.DepthLevels,
	}, service.Deps{
		Log:      elog,
		Store:    st,
		Outbox:   box,
		Balances: ledger,
		Rates:    table,
		FeeMode:  feeMode,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	broadcaster, err := settlement.New(box, cfg.Kafka.Brokers, cfg.Kafka.SettleTopic,
		cfg.Kafka.SettleInterval, logger)
	if err != nil {
		return fmt.Errorf("start broadcaster: %w", err)
	}
	go broadcaster.Run(ctx)

	logger.WithFields(logrus.Fields{
		"env":     cfg.Env,
		"backend": cfg.Log.Backend,
		"data":    cfg.Storage.DataDir,
	}).Info("matcher running")

	<-ctx.Done()
	logger.Info("shutting down")
	engine.Shutdown()
	if err := broadcaster.Close(); err != nil {
		logger.WithError(err).Warn("broadcaster close failed")
	}
	return nil
}

func openEventLog(cfg *config.Config, logger *logrus.Logger) (eventlog.Log, error) {
	switch cfg.Log.Backend {
	case "kafka":
		return kafkalog.Open(kafkalog.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.EventTopic,
			Logger:  logger,
		})
	case "file":
		if err := os.MkdirAll(cfg.Storage.LogDir(), 0o755); err != nil {
			return nil, err
		}
		return filelog.Open(filelog.Config{
			Dir:         cfg.Storage.LogDir(),
			SegmentSize: cfg.Log.SegmentSize,
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("unknown log backend %q", cfg.Log.Backend)
	}
}

func buildFeeMode(cfg config.FeeConfig) (fees.Mode, error) {
	switch cfg.Mode {
	case "dynamic":
		return fees.Dynamic{BaseFee: cfg.BaseFee, ScriptSurcharge: cfg.BaseFee}, nil
	case "fixed":
		if cfg.Asset == "" {
			return nil, fmt.Errorf("FEE_ASSET is required in fixed mode")
		}
		return fees.Fixed{Asset: order.Asset(cfg.Asset), MinFee: cfg.MinFee}, nil
	case "percent":
		return fees.Percent{AssetType: assetType(cfg.AssetType), MinFee: cfg.Percent}, nil
	default:
		return nil, fmt.Errorf("unknown fee mode %q", cfg.Mode)
	}
}

func assetType(name string) fees.AssetType {
	switch name {
	case "price":
		return fees.AssetTypePrice
	case "spending":
		return fees.AssetTypeSpending
	case "receiving":
		return fees.AssetTypeReceiving
	default:
		return fees.AssetTypeAmount
	}
}
