package main

// cSpell:ignore devsim mqtt fieldbus
import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/devsim/internal/agent"
	"github.com/fisaks/devsim/internal/api"
	"github.com/fisaks/devsim/internal/catalog"
	"github.com/fisaks/devsim/internal/config"
	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/fieldbus"
	"github.com/fisaks/devsim/internal/history"
	"github.com/fisaks/devsim/internal/journal"
	"github.com/fisaks/devsim/internal/logging"
	"github.com/fisaks/devsim/internal/messaging"
	"github.com/fisaks/devsim/internal/metrics"
	"github.com/fisaks/devsim/internal/state"
	"github.com/fisaks/devsim/internal/twin"
)

const agentStopTimeout = 5 * time.Second

func main() {
	logging.Init("", "info")

	cfg, err := config.Load(os.Getenv("DEVSIM_CONFIG_PATH"))
	if err != nil {
		logging.Fatal("Device config error", "error", err)
	}
	logging.Init(cfg.Logging.Format, cfg.Logging.Level, "deviceId", cfg.Device.ID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		stop()
		logging.Fatal("Device stopped with error", "error", err)
	}
	logging.Info("bye")
}

// run wires the device and blocks until ctx is cancelled. Every resource
// opened before a failure is released by its defer before run returns.
func run(ctx context.Context, cfg *config.Config) error {
	st, err := state.New(cfg.Device.InitialReading, cfg.Device.Cadence(), cfg.Device.StartEnabled)
	if err != nil {
		return fmt.Errorf("device state init failed: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	topics := messaging.NewTopics(cfg.MQTT.TopicPrefix, cfg.Device.ID)
	broker := messaging.NewMsgBroker(messaging.BrokerConfig{
		BrokerURL:        cfg.MQTT.BrokerURL,
		ClientID:         cfg.MQTT.ClientID,
		Username:         cfg.MQTT.Username,
		Password:         cfg.MQTT.Password,
		StatusTopic:      topics.Status(),
		ConnectTimeout:   cfg.MQTT.ConnectTimeout(),
		PublishTimeout:   cfg.MQTT.PublishTimeout(),
		SubscribeTimeout: cfg.MQTT.SubscribeTimeout(),
	})
	hub, err := messaging.NewHubConnector(broker, messaging.HubConfig{
		DeviceID:      cfg.Device.ID,
		TopicPrefix:   cfg.MQTT.TopicPrefix,
		Encoding:      cfg.MQTT.Encoding,
		InboundBuffer: cfg.Inbound.BufferSize,
		UploadDir:     cfg.Upload.Dir,
	})
	if err != nil {
		return fmt.Errorf("hub connector init failed: %w", err)
	}

	m := metrics.New()
	m.TrackState(st)
	obs := agent.Observers{
		Telemetry: devsim.TelemetryObservers{m},
		Commands:  devsim.CommandObservers{m},
		Config:    devsim.ConfigObservers{m},
		Inbound:   devsim.InboundObservers{m},
	}

	var jr *journal.Journal
	if cfg.Journal.Enabled {
		jr, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("journal open failed path=%s: %w", cfg.Journal.Path, err)
		}
		defer jr.Close()
		obs.Commands = append(obs.Commands, jr)
		obs.Config = append(obs.Config, jr)
	}

	if cfg.InfluxDB.Enabled {
		hw, err := history.Connect(cfg.InfluxDB)
		if err != nil {
			logging.Warn("Telemetry history disabled", "error", err)
		} else {
			defer hw.Close()
			obs.Telemetry = append(obs.Telemetry, hw)
		}
	}

	device, err := agent.New(cfg, st, hub, obs)
	if err != nil {
		return fmt.Errorf("agent init failed: %w", err)
	}

	info := catalog.NewDeviceCatalog(catalog.Options{
		DeviceID:       cfg.Device.ID,
		ProductInfo:    cfg.Device.ProductInfo,
		Commands:       device.Dispatcher().Names(),
		DesiredOptions: []string{twin.KeyCadenceMillis, twin.KeyFreq},
		Encoding:       hub.Encoding(),
		Topic:          topics.Info(),
	}, st)
	broker.AddOnConnectPublisher("device-info", info.OnConnectPublish)

	if err := broker.Connect(ctx); err != nil {
		return fmt.Errorf("mqtt connect failed url=%s: %w", cfg.MQTT.BrokerURL, err)
	}
	defer broker.Close(context.Background())

	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("hub connector start failed: %w", err)
	}
	defer hub.Stop(context.Background())

	if cfg.Fieldbus.Enabled {
		mirror := fieldbus.NewMirror(cfg.Fieldbus, st)
		if err := mirror.Start(); err != nil {
			return fmt.Errorf("fieldbus mirror start failed: %w", err)
		}
		defer mirror.Close()
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			DeviceID: cfg.Device.ID,
			State:    st,
			Metrics:  m.Handler(),
			Commands: device.Dispatcher(),
		}
		if jr != nil {
			deps.Journal = jr
		}
		srv, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("api init failed: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("api start failed: %w", err)
		}
		defer srv.Close()
	}

	done := make(chan struct{})
	go func() {
		device.Run(ctx)
		close(done)
	}()

	logging.Info("Device running",
		"broker", cfg.MQTT.BrokerURL,
		"root", topics.Root,
		"cadence", cfg.Device.Cadence(),
		"publishing", st.PublishEnabled(),
	)

	<-ctx.Done()
	logging.Info("Shutting down", "reason", context.Cause(ctx))

	cancel()
	select {
	case <-done:
	case <-time.After(agentStopTimeout):
		logging.Warn("Agent tasks did not stop in time")
	}
	return nil
}
