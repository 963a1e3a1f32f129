package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nstbot/internal/adapters/api"
	"nstbot/internal/adapters/file"
	"nstbot/internal/adapters/handler"
	"nstbot/internal/adapters/metrics"
	"nstbot/internal/adapters/queue"
	"nstbot/internal/adapters/sender"
	"nstbot/internal/adapters/store"
	"nstbot/internal/config"
	"nstbot/internal/core/domain/commands"
	"nstbot/internal/core/port"
	"nstbot/internal/core/service"
	"nstbot/internal/logging"
	"nstbot/internal/nst"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workers, the HTTP API and the Telegram bot",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func openStore(c config.Store) (port.TaskStore, error) {
	switch c.Driver {
	case "memory":
		return store.NewMemory(store.WithRetention(c.Retention)), nil
	default:
		opts := badger.DefaultOptions(c.Path).WithLogger(logging.NewBadger(log.Logger))
		s, err := store.OpenBadger(opts, c.Retention)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// openQueue returns the queue and a cleanup that also stops an embedded server.
func openQueue(c config.Queue) (*queue.Queue, func(), error) {
	breaker := queue.BreakerConfig{FailureThreshold: c.BreakerThreshold, Timeout: c.BreakerTimeout}
	logger := logging.NewWatermill(log.Logger)

	if c.Driver == "memory" {
		q := queue.NewMemory(logger, breaker)
		return q, func() { _ = q.Close() }, nil
	}

	natsCfg := queue.DefaultNATSConfig()
	natsCfg.URL = c.NATSURL
	natsCfg.Topic = c.Topic
	natsCfg.Breaker = breaker

	var srv *queue.EmbeddedServer
	if c.Embedded {
		var err error
		srv, err = queue.NewEmbeddedServer(queue.ServerConfig{
			Host:     "127.0.0.1",
			Port:     c.EmbeddedPort,
			StoreDir: c.EmbeddedStoreDir,
		})
		if err != nil {
			return nil, nil, err
		}
		natsCfg.URL = srv.ClientURL()
		log.Info().Str("url", natsCfg.URL).Msg("embedded NATS server started")
	}

	q, err := queue.NewNATS(natsCfg, logger)
	if err != nil {
		if srv != nil {
			srv.Shutdown()
		}
		return nil, nil, err
	}

	return q, func() {
		if err := q.Close(); err != nil {
			log.Warn().Err(err).Msg("failed closing queue")
		}
		if srv != nil {
			srv.Shutdown()
		}
	}, nil
}

func newEngine(c *config.Config, hooks ...nst.LoadHook) (*nst.Engine, error) {
	registry := nst.NewRegistry(nst.FileLoader(nst.WeightPaths{
		Backbone:     c.Weights.Backbone,
		Decoder:      c.Weights.Decoder,
		WidthDivisor: c.Weights.WidthDivisor,
	}), hooks...)

	return nst.NewEngine(registry, c.Engine.ImageSize, c.Engine.JPEGQuality,
		nst.WithMaxInputPixels(c.Engine.MaxInputPixels))
}

func newBot(c config.Telegram, dispatcher port.Dispatcher) (*bot.Bot, error) {
	b, err := bot.New(c.BotToken, bot.WithDefaultHandler(noOpHandler))
	if err != nil {
		return nil, fmt.Errorf("failed initializing telegram bot: %w", err)
	}

	staging, err := file.NewTempStore(c.TempDir)
	if err != nil {
		return nil, err
	}

	s := sender.NewTelegram(b)

	commandRegistry := service.NewCommandRegistry()
	styleHandler := commands.NewStyleHandler(dispatcher, file.Downloader{}, staging, s, s, "/style")
	commandRegistry.Register(styleHandler)
	commandRegistry.Register(commands.NewCancelHandler(styleHandler, dispatcher, s, "/cancel"))
	commandRegistry.Register(commands.NewHelpHandler(commandRegistry, s, "/help"))
	commandRegistry.Register(commands.NewHelpHandler(commandRegistry, s, "/start"))

	commandHandler := handler.NewCommand(commandRegistry, c.HandlerTimeout)

	b.RegisterHandler(bot.HandlerTypeMessageText, "/", bot.MatchTypePrefix, commandHandler.Handle)
	b.RegisterHandler(bot.HandlerTypePhotoCaption, "/", bot.MatchTypePrefix, commandHandler.Handle)

	return b, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	log.Info().Msg("starting nstbot...")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	taskStore, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("could not open task store: %w", err)
	}
	defer taskStore.Close()

	taskQueue, closeQueue, err := openQueue(cfg.Queue)
	if err != nil {
		return fmt.Errorf("could not open task queue: %w", err)
	}
	defer closeQueue()

	m := metrics.New(prometheus.DefaultRegisterer)

	engine, err := newEngine(cfg, m.WeightsLoaded)
	if err != nil {
		return err
	}

	cancels := service.NewCancelRegistry()
	dispatcher := service.NewDispatcher(taskStore, taskQueue,
		service.WithObserver(m),
		service.WithCancelRegistry(cancels),
		service.WithPollInterval(cfg.Dispatch.PollInterval),
		service.WithDeleteAfterResult(cfg.Store.DeleteAfterResult))

	pool := service.NewWorkerPool(taskStore, taskQueue, engine, cancels, m, service.WorkerPoolConfig{
		Workers:     cfg.Worker.Count,
		TaskTimeout: cfg.Worker.TaskTimeout,
		Preload:     cfg.Engine.Preload,
	})

	// the in-memory queue forgets pending messages on restart
	recovered, err := pool.Recover(ctx, cfg.Queue.Driver == "memory")
	if err != nil {
		return fmt.Errorf("recovery sweep failed: %w", err)
	}
	if recovered > 0 {
		log.Warn().Int("tasks", recovered).Msg("failed tasks interrupted by the last shutdown")
	}

	sup := suture.New("nstbot", suture.Spec{EventHook: logging.SutureHook(log.Logger)})
	for _, s := range pool.Services() {
		sup.Add(s)
	}

	if cfg.API.Enabled {
		h := api.NewHandler(dispatcher, api.Config{
			MaxUploadBytes: cfg.API.MaxUploadBytes,
			MaxWait:        cfg.API.MaxWait,
			DefaultWait:    cfg.API.DefaultWait,
		})

		sup.Add(api.NewService(&http.Server{
			Addr:              cfg.API.Addr,
			Handler:           h.Router(api.MetricsHandler()),
			ReadHeaderTimeout: 10 * time.Second,
		}, 10*time.Second))
		log.Info().Str("addr", cfg.API.Addr).Msg("http api enabled")
	}

	if cfg.Telegram.Enabled {
		b, err := newBot(cfg.Telegram, dispatcher)
		if err != nil {
			return err
		}
		sup.Add(handler.NewService(b))
	}

	err = sup.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("shut down")
		return nil
	}
	if errors.Is(err, suture.ErrTerminateSupervisorTree) {
		return fmt.Errorf("a fatal error stopped the service tree: %w", err)
	}

	return err
}

func noOpHandler(_ context.Context, _ *bot.Bot, _ *models.Update) {}
