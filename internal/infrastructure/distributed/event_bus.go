package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayChannel = "callcore:relay"

// RelayEvent is a signaling message routed through every relay instance.
// Target limits delivery to one peer; Exclude skips the sender on broadcasts.
type RelayEvent struct {
	InstanceID string               `json:"instance_id"`
	Timestamp  time.Time            `json:"timestamp"`
	RoomID     domain.RoomID        `json:"room_id"`
	Target     domain.PeerID        `json:"target,omitempty"`
	Exclude    domain.PeerID        `json:"exclude,omitempty"`
	Message    domain.SignalMessage `json:"message"`
}

// EventBus fans relay traffic out to the other instances sharing a redis.
// Publishing goes through a circuit breaker so an unreachable redis costs
// local delivery nothing.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	channel    string
	breaker    *circuitbreaker.CircuitBreaker

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return NewEventBusWithBreaker(client, instanceID, circuitbreaker.Config{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		Timeout:             5 * time.Second,
		MaxRequestsHalfOpen: 1,
	}, logger)
}

func NewEventBusWithBreaker(client *redis.Client, instanceID string, cbConfig circuitbreaker.Config, logger *zap.SugaredLogger) *EventBus {
	eb := &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channel:    relayChannel,
		breaker:    circuitbreaker.New(cbConfig),
	}
	eb.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		eb.logger.Warnw("relay fan-out circuit changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return eb
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

// Publish sends an event to every other instance.
func (eb *EventBus) Publish(ctx context.Context, event *RelayEvent) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal relay event: %w", err)
	}

	err = eb.breaker.Execute(ctx, func(ctx context.Context) error {
		return eb.client.Publish(ctx, eb.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish relay event: %w", err)
	}

	eb.logger.Debugw("published relay event",
		"type", event.Message.Type,
		"room_id", event.RoomID,
		"target", event.Target,
	)
	return nil
}

// Subscribe blocks, handing events from other instances to handler until
// ctx ends.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*RelayEvent) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		_ = pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event RelayEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal relay event",
					"error", err,
				)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling relay event",
					"type", event.Message.Type,
					"room_id", event.RoomID,
					"error", err,
				)
			}
		}
	}
}

// CircuitState reports whether publishing is currently short-circuited.
func (eb *EventBus) CircuitState() circuitbreaker.State {
	return eb.breaker.State()
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
