// Package clients starts the network clients a character lists in its
// "clients" field.
package clients

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/troupe/internal/character"
	"github.com/nugget/troupe/internal/config"
	"github.com/nugget/troupe/internal/events"
	"github.com/nugget/troupe/internal/mqtt"
	"github.com/nugget/troupe/internal/runtime"
)

// Client names.
const (
	Direct = "direct"
	MQTT   = "mqtt"
)

// Options carries process-wide client settings.
type Options struct {
	MQTT       config.MQTTConfig
	InstanceID string
	Logger     *slog.Logger
	Events     *events.Bus

	// OnStarted is called for each client that started, e.g. to add a
	// connection watch.
	OnStarted func(agent string, c runtime.Client)
}

// Initialize starts the clients c asks for, attached to r. "direct" is
// served by the front-end server and needs no client here. Unknown names
// and an mqtt request without a broker are logged and skipped. Clients
// already started are stopped if a later one fails.
func Initialize(ctx context.Context, c character.Character, r mqtt.Responder, opts Options) ([]runtime.Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", c.Name)

	var started []runtime.Client
	for _, name := range c.Clients {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case Direct:
			continue
		case MQTT:
			if !opts.MQTT.Configured() {
				logger.Warn("mqtt client requested but no broker configured")
				continue
			}
			username := c.Username
			if username == "" {
				username = c.Name
			}
			mc := mqtt.NewAgentClient(mqtt.Config{
				Broker:      opts.MQTT.Broker,
				Username:    opts.MQTT.Username,
				Password:    opts.MQTT.Password,
				TopicPrefix: opts.MQTT.TopicPrefix,
				InstanceID:  opts.InstanceID,
			}, username, r, logger, opts.Events)
			if err := mc.Start(ctx); err != nil {
				stopAll(ctx, started, logger)
				return nil, fmt.Errorf("start mqtt client: %w", err)
			}
			logger.Info("client started", "client", MQTT, "inbox", mc.InboxTopic())
			started = append(started, mc)
			if opts.OnStarted != nil {
				opts.OnStarted(c.Name, mc)
			}
		default:
			logger.Warn("unknown client ignored", "client", name)
		}
	}
	return started, nil
}

func stopAll(ctx context.Context, cs []runtime.Client, logger *slog.Logger) {
	for _, c := range cs {
		if err := c.Stop(ctx); err != nil {
			logger.Warn("stop client failed", "client", c.Name(), "error", err)
		}
	}
}
