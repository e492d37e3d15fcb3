package pubsub

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Config selects and configures a bus driver.
type Config struct {
	Driver       string
	MemoryBuffer int
	Redis        RedisConfig
	NATS         NATSConfig
}

// Open constructs the bus named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Bus, error) {
	driver, err := NormalizeDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	switch driver {
	case DriverRedis:
		bus, err := NewRedisBus(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("message bus ready", zap.String("driver", driver), zap.String("address", cfg.Redis.Address))
		return bus, nil
	case DriverNATS:
		bus, err := NewNATSBus(cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("message bus ready", zap.String("driver", driver), zap.Strings("servers", cfg.NATS.Servers))
		return bus, nil
	case DriverMemory:
		logger.Info("message bus ready", zap.String("driver", driver))
		return NewMemoryBus(cfg.MemoryBuffer), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
