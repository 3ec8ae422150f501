// Package bus provides the event bus implementations carrying step-up
// pipeline events between components.
package bus

import (
	"fmt"

	"github.com/kestrel-sec/kestrel/internal/domain"
)

// New creates an event bus based on configuration. Community tier runs
// on in-process channels; Pro tier uses NATS.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
