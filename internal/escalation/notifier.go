package escalation

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventsChannel is the Redis channel escalation events are published on.
const EventsChannel = "escalations:events"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Subscriber streams escalation events until the returned cancel is called.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, func())
}

type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) {}

// RedisNotifier fans events out to every instance through Redis pub/sub.
// Publishing is best effort.
type RedisNotifier struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisNotifier(client *redis.Client, log *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, log: log}
}

func (n *RedisNotifier) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := n.client.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		n.log.Warn("Failed to publish escalation event", zap.String("escalation_id", ev.EscalationID), zap.Error(err))
	}
}

func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := n.client.Subscribe(ctx, EventsChannel)
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				n.log.Debug("Dropping malformed escalation event", zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			default:
				// slow consumer
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}

// LocalNotifier delivers events to subscribers in this process only. It is
// used when Redis is not configured.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[chan Event]struct{})}
}

func (n *LocalNotifier) Publish(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (n *LocalNotifier) Subscribe(context.Context) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, ch)
			n.mu.Unlock()
			close(ch)
		})
	}
}
