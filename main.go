package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"

	"signal-trader/internal/api"
	"signal-trader/internal/events"
	"signal-trader/internal/health"
	"signal-trader/internal/ingest"
	"signal-trader/internal/monitor"
	"signal-trader/internal/order"
	"signal-trader/internal/persistence"
	"signal-trader/internal/telegram"
	"signal-trader/pkg/broker"
	"signal-trader/pkg/broker/bridge"
	"signal-trader/pkg/broker/paper"
	"signal-trader/pkg/config"
	"signal-trader/pkg/db"
	"signal-trader/pkg/i18n"
	"signal-trader/pkg/identity"
)

var version = "dev"

const (
	shutdownTimeout     = 15 * time.Second
	healthCheckInterval = 10 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	seal := flag.String("seal", "", "encrypt a secret with the current SECRETS_KEY and print it")
	hashPassword := flag.String("hash-password", "", "print a bcrypt hash for ADMIN_PASSWORD_HASH")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	if *hashPassword != "" {
		hash, err := api.HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}
	if *seal != "" {
		if err := sealSecret(cfg, *seal); err != nil {
			log.Fatalf("seal: %v", err)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf(i18n.Get("ConfigInvalid"), err)
	}

	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))
	log.Printf(i18n.Get("ConfigLoaded"), cfg.Port, cfg.GRPCPort)
	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)

	instanceID := identity.InstanceID(cfg.InstanceID)
	log.Printf(i18n.Get("InstanceID"), instanceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}
	reportPending(ctx, database)

	bus := events.NewBus()
	metrics := monitor.NewMetrics(nil)

	journalWriter := persistence.NewBatchWriter(database.DB, 50, time.Second)
	defer journalWriter.Close()
	journal := persistence.NewJournal(bus, journalWriter)

	backend, err := newBroker(cfg, instanceID)
	if err != nil {
		log.Fatalf(i18n.Get("BrokerInitFail"), err)
	}

	manager := order.NewManager(order.DatabaseSessions(database), backend, bus)
	manager.Metrics = metrics
	manager.DefaultVolume = cfg.DefaultVolume

	pipeline := ingest.NewPipeline(manager, cfg.QueueSize, bus, metrics)

	var tg *telegram.Client
	if cfg.Telegram.Token == "" {
		log.Println(i18n.Get("TelegramDisabled"))
	} else {
		tg = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			BaseURL:     cfg.Telegram.APIURL,
			ChatIDs:     cfg.Telegram.ChatIDs,
			PollTimeout: cfg.Telegram.PollTimeout,
		})
		tg.OnPollError(metrics.IncPollErrors)
		if len(cfg.Telegram.ChatIDs) == 0 {
			log.Println(i18n.Get("TelegramAllowAll"))
		}
	}

	mon := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink(log.Printf)}
	if tg != nil && cfg.Telegram.AlertChatID != 0 {
		mon.Sink = &telegram.AlertSink{Client: tg, ChatID: cfg.Telegram.AlertChatID}
		log.Printf(i18n.Get("AlertsEnabled"), cfg.Telegram.AlertChatID)
	}
	mon.Start(runCtx)

	server := api.NewServer(bus, database, pipeline, metrics, prometheus.DefaultGatherer,
		api.AuthConfig{
			JWTSecret:         cfg.JWTSecret,
			AdminPasswordHash: cfg.AdminPasswordHash,
			TokenTTL:          24 * time.Hour,
		},
		api.SystemMeta{
			Broker:     backend.Name(),
			DryRun:     cfg.Broker == config.BrokerDryRun,
			InstanceID: instanceID,
			Telegram:   tg != nil,
			Version:    version,
		})

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatalf(i18n.Get("GRPCServerError"), err)
	}
	healthSrv := health.New(database, healthCheckInterval)

	var lifecycle conc.WaitGroup

	lifecycle.Go(func() { pipeline.Run(runCtx) })
	lifecycle.Go(func() { journal.Run(runCtx) })
	lifecycle.Go(func() { healthSrv.Watch(runCtx) })
	lifecycle.Go(func() {
		log.Printf(i18n.Get("GRPCListening"), cfg.GRPCPort)
		if err := healthSrv.Serve(grpcLis); err != nil {
			log.Printf(i18n.Get("GRPCServerError"), err)
		}
	})
	lifecycle.Go(func() {
		log.Printf(i18n.Get("ServerListening"), cfg.Port)
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Printf(i18n.Get("APIServerError"), err)
			stop()
		}
	})
	if tg != nil {
		lifecycle.Go(func() {
			log.Printf(i18n.Get("TelegramStarted"), len(cfg.Telegram.ChatIDs))
			err := tg.Run(runCtx, func(ctx context.Context, text, messageID string) error {
				_, err := pipeline.Submit(ctx, text, messageID)
				return err
			})
			log.Printf(i18n.Get("TelegramStopped"), err)
		})
	}

	<-ctx.Done()
	log.Println(i18n.Get("ShuttingDown"))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: api server: %v", err)
	}
	healthSrv.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("shutdown: timed out waiting for workers: %v", shutdownCtx.Err())
	}

	log.Println(i18n.Get("ShutdownComplete"))
}

func newBroker(cfg *config.Config, instanceID string) (broker.Broker, error) {
	switch cfg.Broker {
	case config.BrokerDryRun:
		log.Println(i18n.Get("DryRunMode"))
		return paper.New(paper.Config{
			SlippageBps:  cfg.DryRun.SlippageBps,
			LatencyMinMs: cfg.DryRun.LatencyMinMs,
			LatencyMaxMs: cfg.DryRun.LatencyMaxMs,
		}), nil
	case config.BrokerBridge:
		log.Printf(i18n.Get("BridgeMode"), cfg.Bridge.URL)
		return bridge.New(bridge.Config{
			BaseURL:   cfg.Bridge.URL,
			APIKey:    cfg.Bridge.APIKey,
			APISecret: cfg.Bridge.APISecret,
			ClientID:  instanceID,
			Timeout:   cfg.Bridge.Timeout,
			RPS:       cfg.Bridge.RPS,
			Deviation: cfg.Bridge.Deviation,
			Magic:     cfg.Bridge.Magic,
			Comment:   cfg.Bridge.Comment,
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

// reportPending logs orders a crashed run left without a terminal status.
// They are not retried.
func reportPending(ctx context.Context, database *db.Database) {
	pending, err := database.Queries().ListPendingOrders(ctx)
	if err != nil {
		log.Printf("startup: list pending orders: %v", err)
		return
	}
	if len(pending) > 0 {
		log.Printf(i18n.Get("PendingOnStartup"), len(pending))
	}
}

func sealSecret(cfg *config.Config, plaintext string) error {
	keys, err := cfg.Keyring()
	if err != nil {
		return fmt.Errorf("SECRETS_KEY: %w", err)
	}
	sealed, err := keys.Seal(plaintext)
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}
