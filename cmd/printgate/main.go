// printgate - 3D printer gateway
//
// This is the main entry point for the printgate service. It discovers
// Bambu Lab, Moonraker and serial G-code printers, keeps a session per
// machine and exposes them through one REST and websocket API.
//
// Usage:
//
//	printgate                 run the gateway
//	printgate token [flags]   print a signed API token
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/printgate/internal/api"
	"github.com/nerrad567/printgate/internal/backends/bambu"
	"github.com/nerrad567/printgate/internal/backends/moonraker"
	"github.com/nerrad567/printgate/internal/backends/serial"
	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/discovery"
	"github.com/nerrad567/printgate/internal/infrastructure/config"
	"github.com/nerrad567/printgate/internal/infrastructure/database"
	"github.com/nerrad567/printgate/internal/infrastructure/influxdb"
	"github.com/nerrad567/printgate/internal/infrastructure/logging"
	"github.com/nerrad567/printgate/internal/infrastructure/mqtt"
	"github.com/nerrad567/printgate/internal/inventory"
	"github.com/nerrad567/printgate/internal/metrics"
	"github.com/nerrad567/printgate/internal/telemetry"
	"github.com/nerrad567/printgate/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// defaultConfigPath is used when PRINTGATE_CONFIG is unset.
const defaultConfigPath = "configs/printgate.yaml"

// shutdownTimeout bounds session teardown after the API has stopped.
const shutdownTimeout = 15 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	if len(os.Args) > 1 && os.Args[1] == "token" {
		err = runToken(os.Args[2:], os.Stdout)
	} else {
		err = run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting printgate",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"gateway", cfg.Gateway.ID,
		"level", cfg.Logging.Level,
	)

	// Device inventory (optional)
	var (
		store    device.Store
		provider discovery.Provider
	)
	if cfg.Database.Enabled {
		db, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		inv := inventory.New(db.DB)
		store, provider = inv, inv
		n, err := inv.Count(ctx)
		if err != nil {
			return fmt.Errorf("reading inventory: %w", err)
		}
		log.Info("inventory loaded", "path", db.Path(), "registrations", n)
	} else {
		log.Info("inventory disabled; registrations will not survive a restart")
	}

	// Status broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	}

	// Time-series telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Device core
	observer := metrics.Observer{}
	aggregator := device.NewAggregator(observer)
	registry := device.NewRegistry(device.RegistryOptions{
		Backends: []device.Backend{
			bambu.New(cfg.Backends.Bambu, bambu.Options{Logger: log.Component("bambu")}),
			moonraker.New(cfg.Backends.Moonraker, moonraker.Options{Logger: log.Component("moonraker")}),
			serial.New(cfg.Backends.Serial, serial.Options{Logger: log.Component("serial")}),
		},
		Session:  sessionOptions(cfg.Sessions),
		Publish:  aggregator.Publish,
		Store:    store,
		Logger:   log.Component("registry"),
		Observer: observer,
	})
	if err := prometheus.Register(metrics.NewSessionCollector(registry.List)); err != nil {
		return fmt.Errorf("registering session collector: %w", err)
	}
	dispatcher := device.NewDispatcher(registry, device.DispatcherOptions{
		ResultRetention: cfg.Sessions.ResultRetention,
		Logger:          log.Component("dispatcher"),
	})

	discoveryLog := log.Component("discovery")
	sources := discovery.Sources(cfg, provider, discoveryLog)
	feed := discovery.NewFeed(discovery.FeedOptions{
		Restart: device.BackoffConfig{
			Initial:    cfg.Discovery.RestartDelay,
			Max:        cfg.Discovery.RestartMaxDelay,
			Multiplier: 2,
			Jitter:     0.2,
		},
		Logger:  discoveryLog,
		Observe: metrics.ObserveDiscovery,
	}, sources...)
	log.Info("discovery configured", "sources", len(sources))

	server, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log.Component("api"),
		Registry:   registry,
		Dispatcher: dispatcher,
		Aggregator: aggregator,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Telemetry listeners subscribe before anything can publish. They run
	// until aggregator.Close so the final disconnect updates still go out.
	telemetryLog := log.Component("telemetry")
	telemetryCtx := context.WithoutCancel(gctx)
	if mqttClient != nil {
		sink := telemetry.NewMQTTPublisher(mqttClient, mqtt.NewTopics(cfg.MQTT.TopicPrefix), byte(cfg.MQTT.QoS)) //nolint:gosec // QoS validated to 0-2
		l := aggregator.Subscribe(sink.Name(), cfg.Sessions.StatusBuffer)
		g.Go(func() error { return telemetry.Forward(telemetryCtx, l, sink, telemetryLog) })
	}
	if influxClient != nil {
		sink := telemetry.NewInfluxWriter(influxClient)
		l := aggregator.Subscribe(sink.Name(), cfg.Sessions.StatusBuffer)
		g.Go(func() error { return telemetry.Forward(telemetryCtx, l, sink, telemetryLog) })
	}

	if err := server.Start(gctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	g.Go(func() error { return feed.Run(gctx) })
	g.Go(func() error {
		err := registry.Consume(gctx, feed.Announcements())
		if errors.Is(err, context.Canceled) || errors.Is(err, device.ErrRegistryClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		if err := server.Wait(); err != nil {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		if err := server.Close(); err != nil {
			log.Error("error closing API server", "error", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := registry.Close(shutdownCtx); err != nil {
			log.Error("sessions did not stop cleanly", "error", err)
		}
		aggregator.Close()
		return nil
	})

	log.Info("printgate running",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"auth", cfg.API.Auth.Enabled,
	)

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("printgate stopped")
	return nil
}

// loadConfig reads the file named by PRINTGATE_CONFIG. Without the
// variable, a missing default file falls back to built-in defaults.
func loadConfig() (*config.Config, string, error) {
	path, explicit := os.LookupEnv("PRINTGATE_CONFIG")
	if !explicit || path == "" {
		path = defaultConfigPath
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := config.Default()
			if err := cfg.Validate(); err != nil {
				return nil, "", fmt.Errorf("validating default config: %w", err)
			}
			return cfg, "(defaults)", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// sessionOptions maps the sessions section onto the registry's session template.
func sessionOptions(c config.SessionsConfig) device.SessionOptions {
	return device.SessionOptions{
		Backoff: device.BackoffConfig{
			Initial:    c.Reconnect.InitialDelay,
			Max:        c.Reconnect.MaxDelay,
			Multiplier: c.Reconnect.Multiplier,
			Jitter:     c.Reconnect.Jitter,
		},
		MaxAttempts:    c.Reconnect.MaxAttempts,
		AutoConnect:    c.AutoConnect,
		ConnectTimeout: c.ConnectTimeout,
		CommandTimeout: c.CommandTimeout,
		QueueLimit:     c.QueueLimit,
	}
}
