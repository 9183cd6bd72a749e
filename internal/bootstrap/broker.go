package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kacperpap/air-pollution-tracker/config"
	"github.com/kacperpap/air-pollution-tracker/internal/broker"
)

// connectingClient is a broker.Client with a background connection manager.
type connectingClient interface {
	broker.Client
	Connect(ctx context.Context)
}

// BrokerDeps groups dependencies for ConnectBroker.
type BrokerDeps struct {
	Config  config.BrokerConfig
	Metrics broker.Recorder
	Logger  *slog.Logger
}

// ConnectBroker builds the configured transport and starts its connection
// manager. It returns immediately; an unreachable broker is retried in the
// background and publishes fail fast until it comes up.
//
//nolint:ireturn // the transport is selected at runtime.
func ConnectBroker(ctx context.Context, deps BrokerDeps) (broker.Client, error) {
	client, err := newBrokerClient(deps)
	if err != nil {
		return nil, err
	}
	client.Connect(ctx)
	if deps.Logger != nil {
		deps.Logger.InfoContext(ctx, "broker connection manager started",
			"kind", deps.Config.Kind,
			"request_queue", deps.Config.RequestQueue,
			"reconnect_interval", deps.Config.ReconnectInterval)
	}
	return client, nil
}

//nolint:ireturn // the transport is selected at runtime.
func newBrokerClient(deps BrokerDeps) (connectingClient, error) {
	cfg := deps.Config
	switch cfg.Kind {
	case config.BrokerKindNATS:
		c, err := broker.NewNATSClient(broker.NATSOptions{
			URL:               cfg.NATSURL,
			Prefetch:          cfg.Prefetch,
			ReconnectInterval: cfg.ReconnectInterval,
			Logger:            deps.Logger,
			Metrics:           deps.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("create nats client: %w", err)
		}
		return c, nil
	case config.BrokerKindAMQP, "":
		c, err := broker.NewAMQPClient(broker.AMQPOptions{
			URL:               cfg.AMQPURL,
			Prefetch:          cfg.Prefetch,
			ReconnectInterval: cfg.ReconnectInterval,
			PublishTimeout:    cfg.PublishTimeout,
			WorkQueues:        []string{cfg.RequestQueue},
			Logger:            deps.Logger,
			Metrics:           deps.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("create amqp client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", cfg.Kind)
	}
}
