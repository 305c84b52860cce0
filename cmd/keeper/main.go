// Command keeper runs the request lifecycle engine with its metrics
// endpoint and event stream.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/callback"
	"github.com/lyonnee/gmx-synthetics/internal/config"
	"github.com/lyonnee/gmx-synthetics/internal/events"
	"github.com/lyonnee/gmx-synthetics/internal/gasfee"
	"github.com/lyonnee/gmx-synthetics/internal/lifecycle"
	"github.com/lyonnee/gmx-synthetics/internal/model"
	"github.com/lyonnee/gmx-synthetics/internal/oracle"
	"github.com/lyonnee/gmx-synthetics/internal/store"
	"github.com/lyonnee/gmx-synthetics/internal/vault"
	"github.com/lyonnee/gmx-synthetics/pkg/logger"
	"github.com/lyonnee/gmx-synthetics/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to the keeper config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("loading config", zap.Error(err))
	}
	log := logger.New(cfg.Logging.Level)
	defer log.Sync() //nolint:errcheck

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		log.Fatal("building engine config", zap.Error(err))
	}
	gasCfg, err := cfg.GasConfig()
	if err != nil {
		log.Fatal("building gas config", zap.Error(err))
	}

	var (
		orders      store.Store[model.Order]
		deposits    store.Store[model.Deposit]
		glvDeposits store.Store[model.GlvDeposit]
	)
	switch cfg.Store.Backend {
	case "badger":
		db, err := store.OpenBadger(cfg.Store.Path)
		if err != nil {
			log.Fatal("opening request store", zap.Error(err))
		}
		defer db.Close() //nolint:errcheck
		orders = store.NewBadgerStore[model.Order](db, model.KindOrder)
		deposits = store.NewBadgerStore[model.Deposit](db, model.KindDeposit)
		glvDeposits = store.NewBadgerStore[model.GlvDeposit](db, model.KindGlvDeposit)
	default:
		orders = store.NewMemoryStore[model.Order]()
		deposits = store.NewMemoryStore[model.Deposit]()
		glvDeposits = store.NewMemoryStore[model.GlvDeposit]()
	}

	sinks := events.MultiSink{events.NewZapSink(log.Named("events"))}
	if cfg.Kafka.Enabled {
		kafkaSink := events.NewKafkaSink(
			events.DefaultKafkaSinkConfig(cfg.Kafka.Brokers, cfg.Kafka.Topic),
			log.Named("kafka"),
		)
		defer kafkaSink.Close() //nolint:errcheck
		sinks = append(sinks, kafkaSink)
	}

	bank := vault.NewBank(common.HexToAddress(cfg.Engine.VaultAddress), log.Named("vault"))
	engine := lifecycle.New(engineCfg, lifecycle.Deps{
		Orders:      orders,
		Deposits:    deposits,
		GlvDeposits: glvDeposits,
		Keys:        store.NewKeySequence(),
		Registry:    model.NewMarketRegistry(),
		Feed:        oracle.NewStaticFeed(),
		Vault:       bank,
		Gas:         gasfee.NewAccountant(gasCfg, log.Named("gasfee")),
		Sink:        sinks,
		Callbacks:   callback.NewSupervisor(nil, log.Named("callback")),
		Logger:      log.Named("lifecycle"),
	})
	pendingOrders, _ := orders.Count()
	pendingDeposits, _ := deposits.Count()
	pendingGlv, _ := glvDeposits.Count()
	log.Info("lifecycle engine ready",
		zap.Int("pending_orders", pendingOrders),
		zap.Int("pending_deposits", pendingDeposits),
		zap.Int("pending_glv_deposits", pendingGlv),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	intakeDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.Group,
			Topic:   cfg.Kafka.CommandsTopic,
		})
		defer reader.Close() //nolint:errcheck
		go func() {
			defer close(intakeDone)
			log.Info("command intake consuming", zap.String("topic", cfg.Kafka.CommandsTopic))
			runIntake(ctx, reader, engine, log.Named("intake"))
		}()
	} else {
		close(intakeDone)
		log.Warn("kafka disabled: no command intake, engine idle")
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics.Register(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			log.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.Listen))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics endpoint", zap.Error(err))
			}
		}()
	}

	log.Info("keeper started",
		zap.String("store", cfg.Store.Backend),
		zap.Bool("kafka", cfg.Kafka.Enabled),
	)
	<-ctx.Done()
	log.Info("shutting down")
	<-intakeDone

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("stopping metrics endpoint", zap.Error(err))
		}
	}
	os.Exit(0)
}
