package events

import (
	"context"
	"fmt"

	"AppBootstrap/internal/config"
)

// FromConfig 根据描述中的 events 配置创建投递器。配置多个驱动时返回 Fanout。
func FromConfig(ctx context.Context, cfg config.EventsConfig) (Publisher, error) {
	drivers := cfg.Selected()
	if len(drivers) == 1 {
		return fromDriver(ctx, cfg, drivers[0])
	}
	publishers := make([]Publisher, 0, len(drivers))
	for _, driver := range drivers {
		p, err := fromDriver(ctx, cfg, driver)
		if err != nil {
			for _, opened := range publishers {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("事件驱动 %s: %w", driver, err)
		}
		publishers = append(publishers, p)
	}
	return NewFanout(publishers...), nil
}

func fromDriver(ctx context.Context, cfg config.EventsConfig, driver string) (Publisher, error) {
	switch driver {
	case "", "none":
		return NopPublisher{}, nil
	case "memory":
		return NewMemoryPublisher(0), nil
	case "redis":
		p, err := NewRedisPublisher(ctx, RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "rabbitmq":
		p, err := NewRabbitMQPublisher(RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", driver)
	}
}
