// Package app wires configuration into the running components shared by
// the API server and the dispatcher binary.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	supa "github.com/supabase-community/supabase-go"

	"hempdb/imagegen/config"
	"hempdb/imagegen/internal/dispatcher"
	"hempdb/imagegen/internal/events"
	"hempdb/imagegen/internal/imagestore"
	"hempdb/imagegen/internal/monitor"
	"hempdb/imagegen/internal/provider"
	"hempdb/imagegen/internal/queue"
	"hempdb/imagegen/internal/store"
	"hempdb/imagegen/internal/store/sqlstore"
	"hempdb/imagegen/internal/store/supabase"
)

// App holds every long-lived component.
type App struct {
	Config     *config.Config
	Log        *logrus.Logger
	Store      store.Store
	Registry   *provider.Registry
	Hub        *events.Hub
	Queue      *queue.Service
	Dispatcher *dispatcher.Dispatcher
	Monitor    *monitor.Service

	closers []func() error
}

// New builds the application. Bridges attached to the hub run until ctx
// ends.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	var supaClient *supa.Client
	if cfg.Store.Backend == "supabase" || cfg.Images.Backend == "supabase" {
		c, err := config.InitSupabase(cfg.Supabase)
		if err != nil {
			return nil, err
		}
		supaClient = c
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	uploader, err := openUploader(cfg, supaClient)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Registry = provider.Build(ctx, cfg.Providers, uploader, log)
	a.closers = append(a.closers, a.Registry.Close)

	a.Hub = events.NewHub(256, log)
	if err := a.attachBridges(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Queue = queue.New(a.Store, a.Hub, log)
	a.Dispatcher = dispatcher.New(a.Queue, a.Store, a.Registry, a.Hub, log)
	a.Monitor = monitor.New(a.Queue, a.Store, a.Registry, a.Dispatcher, a.Hub, log)

	log.WithFields(logrus.Fields{
		"store":     cfg.Store.Backend,
		"images":    cfg.Images.Backend,
		"providers": strings.Join(a.Registry.Available(), ","),
		"default":   a.Registry.Default().Name(),
	}).Info("Application initialized")
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.WithError(err).Warn("Error during shutdown")
		}
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sql":
		st, err := sqlstore.Open(cfg.Store.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("open sql store: %w", err)
		}
		if cfg.Store.AutoMigrate {
			if err := st.Migrate(ctx, cfg.Store.WithCatalog); err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("migrate sql store: %w", err)
			}
		}
		return st, nil
	default:
		client, err := supabase.NewClient(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
		if err != nil {
			return nil, err
		}
		return supabase.New(client), nil
	}
}

func openUploader(cfg *config.Config, client *supa.Client) (imagestore.Uploader, error) {
	switch cfg.Images.Backend {
	case "local":
		return &imagestore.Dir{Root: cfg.Images.LocalDir, BaseURL: cfg.Images.LocalBaseURL}, nil
	default:
		b, err := imagestore.NewBucket(client, cfg.Supabase.URL, cfg.Supabase.Bucket)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func (a *App) attachBridges(ctx context.Context) error {
	ev := a.Config.Events
	attach := func(b events.Bridge) {
		a.Hub.Attach(ctx, b)
		a.closers = append(a.closers, b.Close)
	}
	if ev.RedisAddr != "" {
		b, err := events.NewRedisBridge(ctx, ev.RedisAddr, ev.RedisChannel)
		if err != nil {
			return fmt.Errorf("redis bridge: %w", err)
		}
		attach(b)
	}
	if ev.AMQPURL != "" {
		b, err := events.NewAMQPBridge(ev.AMQPURL, ev.AMQPExchange)
		if err != nil {
			return fmt.Errorf("amqp bridge: %w", err)
		}
		attach(b)
	}
	if ev.MQTTBroker != "" {
		b, err := events.NewMQTTBridge(ev.MQTTBroker, ev.MQTTTopic, "imagegen-"+a.Hub.Origin()[:8])
		if err != nil {
			return fmt.Errorf("mqtt bridge: %w", err)
		}
		attach(b)
	}
	return nil
}
