package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultListName = "dagrunner:events"

	// bounds of the wait between two failed reads of the list
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// RedisClient implements Client by appending events to a Redis list
type RedisClient struct {
	client *redis.Client
	list   string
}

// NewRedisClient creates a new Redis event client. An empty list name selects DefaultListName.
func NewRedisClient(addr, password string, db int, list string) (*RedisClient, error) {
	if list == "" {
		list = DefaultListName
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not reach redis at %s: %w", addr, err)
	}

	return &RedisClient{client: client, list: list}, nil
}

// Publish appends an event to the list
func (r *RedisClient) Publish(ctx context.Context, event TaskEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.list, data).Err()
}

// Subscribe pops events from the list and hands them to the handler until ctx ends. Several
// subscribers share the events between them.
func (r *RedisClient) Subscribe(ctx context.Context, handler func(TaskEvent)) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			event, err := r.nextEvent(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures++
				wait := backoff(failures)
				log.Error().
					Err(err).
					Dur("retry_in", wait).
					Msg("Error encountered when fetching event from list")

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			failures = 0
			if event == nil {
				continue
			}

			if err := processEvent(handler, *event); err != nil {
				log.Error().
					Err(err).
					Str("task", event.Task).
					Msg("Error encountered when processing event")
			}
		}
	}
}

// backoff doubles the wait after every consecutive failure, up to maxBackoff
func backoff(failures int) time.Duration {
	wait := minBackoff
	for i := 1; i < failures && wait < maxBackoff; i++ {
		wait *= 2
	}
	return min(wait, maxBackoff)
}

func (r *RedisClient) nextEvent(ctx context.Context) (*TaskEvent, error) {
	result, err := r.client.BLPop(ctx, 1*time.Second, r.list).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No event available
			return nil, nil
		}
		return nil, fmt.Errorf("BLPOP from redis list went bad. %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	var event TaskEvent
	if err := json.Unmarshal([]byte(result[1]), &event); err != nil {
		return nil, fmt.Errorf("could not parse message into TaskEvent. %w", err)
	}
	return &event, nil
}

func processEvent(handler func(TaskEvent), event TaskEvent) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().Interface("panic", rcv).Str("task", event.Task).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	handler(event)
	return nil
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
