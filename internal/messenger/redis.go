package messenger

import (
	"context"
	"log/slog"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Redis is a cross-process Messenger. Notices are published on a Redis
// channel and every subscribed process dispatches them locally.
type Redis struct {
	*dispatcher
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// Ensure Redis implements Messenger.
var _ Messenger = (*Redis)(nil)

// NewRedis subscribes to channel (default "flow:notices") and starts
// dispatching received notices.
func NewRedis(ctx context.Context, client *redis.Client, channel string) (*Redis, error) {
	if channel == "" {
		channel = "flow:notices"
	}
	pubsub := client.Subscribe(ctx, channel)
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		dispatcher: newDispatcher(),
		client:     client,
		channel:    channel,
		pubsub:     pubsub,
		cancel:     cancel,
	}
	r.wg.Go(func() { r.run(runCtx) })
	return r, nil
}

func (r *Redis) run(ctx context.Context) {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var n Notice
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				slog.Warn("Dropping malformed notice",
					slog.String("channel", msg.Channel),
					slog.Any("error", err))
				continue
			}
			r.dispatch(n)
		}
	}
}

func (r *Redis) Publish(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *Redis) Subscribe(streamID, nodeID string, h Handler) func() {
	return r.subscribe(streamID, nodeID, h)
}

func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		r.cancel()
		err = r.pubsub.Close()
		r.wg.Wait()
	})
	return err
}
