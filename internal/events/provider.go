package events

import (
	"fmt"
	"strings"

	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/events/bus"
)

// Provide builds the configured event bus implementation. With no NATS URL
// configured the in-memory bus is used. The returned cleanup func closes the
// bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, func() error {
			natsBus.Close()
			return nil
		}, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, func() error {
		memBus.Close()
		return nil
	}, nil
}
