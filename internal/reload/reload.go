// Package reload broadcasts policy snapshot reloads across worker
// instances sharing one Redis deployment, so that a bundle pushed to
// one instance's control endpoint takes effect everywhere without a
// restart.
//
// Grounded on session.RedisStore's PublishKill/listenForKillSignals
// pair: the same publish-a-topic, fan the message out to local
// subscribers pattern, replacing a per-session kill signal with a
// global "reload the active snapshot" signal.
package reload

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the Redis connection used for cross-instance reload
// notifications.
type Config struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Broadcaster publishes and receives reload notifications over a
// Redis pub/sub channel. A notification carries the bundle path that
// changed; subscribers are expected to reload from disk and swap
// their loader.Store.
type Broadcaster struct {
	client *redis.Client
	topic  string
	pubsub *redis.PubSub

	notify chan string
}

// New connects to Redis and subscribes to the reload topic. The
// returned Broadcaster must be closed with Close when the worker
// shuts down.
func New(cfg Config) (*Broadcaster, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ipsagent:"
	}

	b := &Broadcaster{
		client: client,
		topic:  prefix + "reload",
		notify: make(chan string, 8),
	}
	b.pubsub = client.Subscribe(ctx, b.topic)
	go b.listen()

	slog.Info("reload broadcaster initialized", "addr", cfg.Addr, "topic", b.topic)
	return b, nil
}

// PublishReload announces that the bundle at path has changed and
// every instance should reload it.
func (b *Broadcaster) PublishReload(path string) error {
	return b.client.Publish(context.Background(), b.topic, path).Err()
}

// Notifications returns the channel reload paths arrive on, including
// ones this instance published itself.
func (b *Broadcaster) Notifications() <-chan string { return b.notify }

func (b *Broadcaster) listen() {
	for msg := range b.pubsub.Channel() {
		select {
		case b.notify <- msg.Payload:
		default:
			slog.Warn("reload notification dropped, channel full", "path", msg.Payload)
		}
	}
}

// Close releases the subscription and connection.
func (b *Broadcaster) Close() error {
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	return b.client.Close()
}
