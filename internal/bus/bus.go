package bus

import (
	"fmt"

	"github.com/opensource-finance/callbill/internal/domain"
)

// New creates a new event bus based on configuration.
// "channel" returns a ChannelBus for single-node deployments.
// "nats" returns a NATSBus for clusters.
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
