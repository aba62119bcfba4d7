// Package bus provides the EventBus implementations: in-process channels and NATS.
package bus

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// New creates an event bus from configuration.
// "channel" keeps everything in process; "nats" connects to a NATS server.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
