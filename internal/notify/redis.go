package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 通知渠道的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Topic    string `json:"topic"`
}

// RedisNotifier 通过 Redis PUBLISH 推送事件，前端通过
// SUBSCRIBE 获得实时状态变更。
type RedisNotifier struct {
	client *redis.Client
	topic  string
}

// NewRedisNotifier 创建 Redis 通知器。
func NewRedisNotifier(cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "chainpilot:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisNotifier{client: client, topic: topic}, nil
}

// Channel 返回 Redis 渠道。
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

// Notify 发布事件。
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.client == nil {
		return errors.New("Redis 通知器未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	if err := n.client.Publish(ctx, n.topic, body).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (n *RedisNotifier) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Close()
}
