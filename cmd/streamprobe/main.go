package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/streamprobe/streamprobe/internal/config"
	natsevents "github.com/streamprobe/streamprobe/internal/infrastructure/events/nats"
	gormstore "github.com/streamprobe/streamprobe/internal/infrastructure/persistence/gorm"
	"github.com/streamprobe/streamprobe/internal/mediaserver"
	"github.com/streamprobe/streamprobe/internal/probe"
	"github.com/streamprobe/streamprobe/internal/queue"
	"github.com/streamprobe/streamprobe/internal/runner"
	"github.com/streamprobe/streamprobe/internal/scanner"
	"github.com/streamprobe/streamprobe/internal/scheduler"
	"github.com/streamprobe/streamprobe/pkg/events"
	"github.com/streamprobe/streamprobe/pkg/interfaces"
	"github.com/streamprobe/streamprobe/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewZapLogger(cfg.Logger.Level, cfg.Logger.Development)
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting streamprobe",
		interfaces.String("server", cfg.Server.URL),
		interfaces.String("database", cfg.Database.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, dbCleanup, err := gormstore.NewDB(cfg, log.Zap())
	if err != nil {
		log.Fatal("failed to open database", interfaces.Error(err))
	}
	defer dbCleanup()

	bus := events.NewInMemoryEventBus(log)
	defer bus.Stop()

	if cfg.NATS.Enabled {
		natsClient, natsCleanup, err := natsevents.NewClient(cfg.NATS.URL, log.Zap())
		if err != nil {
			log.Fatal("failed to connect to NATS", interfaces.Error(err))
		}
		defer natsCleanup()

		publisher := natsevents.NewPublisher(natsClient, cfg.NATS.SubjectPrefix, log.Zap())
		if err := publisher.Attach(bus); err != nil {
			log.Fatal("failed to attach NATS mirror", interfaces.Error(err))
		}
	}

	client := mediaserver.NewClient(cfg.Server.URL, cfg.Server.APIKey, cfg.Server.Timeout, log.Zap())
	info, err := client.TestConnection(ctx)
	if err != nil {
		log.Fatal("failed to reach media server", interfaces.Error(err))
	}
	log.Zap().Info("connected to media server",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
	)

	prober := probe.NewProber(client, bus, log)
	pool := queue.NewPool(queue.Config{
		MaxParallel:     cfg.Probe.MaxParallel,
		DefaultDuration: cfg.Probe.Duration,
		SpreadStartOver: cfg.Probe.SpreadStartOver,
	}, prober.Run, bus, log)

	runRepo := gormstore.NewRunRepository(db)
	resultRepo := gormstore.NewResultRepository(db)
	deviceRepo := gormstore.NewDeviceRepository(db)
	scheduleRepo := gormstore.NewScheduleRepository(db)
	scanRepo := gormstore.NewScanStateRepository(db)

	orch := runner.NewOrchestrator(client, pool, runRepo, resultRepo, bus, log)
	pool.SetOnComplete(orch.OnProbeComplete)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.NewScheduler(scheduleRepo, deviceRepo, orch, bus, log, cfg.Scheduler.TickInterval)
		sched.Start(ctx)
	}

	var scan *scanner.Scanner
	if cfg.Scanner.Enabled {
		scan = scanner.NewScanner(client, scanRepo, bus, log, cfg.Scanner.Interval, cfg.Scanner.LibraryIDs)
		scan.Start(ctx)
	}

	<-ctx.Done()
	log.Info("shutting down")

	if sched != nil {
		sched.Stop()
	}
	if scan != nil {
		scan.Stop()
	}
	// Abort in-flight probes and wait for them to settle
	pool.Cancel()

	log.Info("shutdown complete")
}
