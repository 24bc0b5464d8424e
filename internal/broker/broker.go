// Package broker wraps the Redis connection shared by every worker: keyed
// records (server:<id>, meeting:<id>), membership sets (servers, meetings),
// append-only streams with consumer groups (commandStream, mailStream), and
// per-entity status hashes (meeting:<id>:status).
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aau-zid/schedulight-go/internal/logging"
	"github.com/aau-zid/schedulight-go/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Service handles all interaction with the broker's Redis store.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService dials Redis and verifies connectivity. A failure here is
// fatal: the caller should log and exit the process.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("broker").Set(stateVal)
		},
	}

	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// execute runs fn through the circuit breaker, recording metrics. On an
// open breaker during a read it returns (nil, nil) so callers treat it as
// "no work" rather than crashing a tick; writes propagate the error.
func (s *Service) execute(ctx context.Context, op string, degradeOnOpen bool, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	metrics.BrokerOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("broker").Inc()
			metrics.BrokerOperationsTotal.WithLabelValues(op, "breaker_open").Inc()
			if degradeOnOpen {
				logging.Warn(ctx, "broker circuit open, degrading", zap.String("op", op))
				return nil, nil
			}
			return nil, err
		}
		metrics.BrokerOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.BrokerOperationsTotal.WithLabelValues(op, "ok").Inc()
	return res, nil
}

func recordKey(ns, id string) string { return ns + ":" + id }

// recordResult distinguishes "not found" from the record's encoded value
// when threaded through the circuit breaker's any-typed return.
type recordResult struct {
	value string
	found bool
}

// GetRecord fetches a keyed record. found is false when the key is absent.
func (s *Service) GetRecord(ctx context.Context, ns, id string) (value string, found bool, err error) {
	key := recordKey(ns, id)
	res, err := s.execute(ctx, "get_record", true, func() (any, error) {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return recordResult{}, nil
		}
		if err != nil {
			return nil, err
		}
		return recordResult{value: v, found: true}, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("get record %s: %w", key, err)
	}
	if res == nil {
		return "", false, nil
	}
	rr := res.(recordResult)
	return rr.value, rr.found, nil
}

// PutRecord replaces a keyed record wholesale, optionally with a TTL.
func (s *Service) PutRecord(ctx context.Context, ns, id, value string, ttl time.Duration) error {
	key := recordKey(ns, id)
	_, err := s.execute(ctx, "put_record", false, func() (any, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("put record %s: %w", key, err)
	}
	return nil
}

// DeleteRecord removes a keyed record.
func (s *Service) DeleteRecord(ctx context.Context, ns, id string) error {
	key := recordKey(ns, id)
	_, err := s.execute(ctx, "delete_record", false, func() (any, error) {
		return nil, s.client.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("delete record %s: %w", key, err)
	}
	return nil
}

// SetAdd adds a member to a membership set (servers, meetings).
func (s *Service) SetAdd(ctx context.Context, setName, member string) error {
	_, err := s.execute(ctx, "set_add", false, func() (any, error) {
		return nil, s.client.SAdd(ctx, setName, member).Err()
	})
	if err != nil {
		return fmt.Errorf("set add %s/%s: %w", setName, member, err)
	}
	return nil
}

// SetRemove removes a member from a membership set.
func (s *Service) SetRemove(ctx context.Context, setName, member string) error {
	_, err := s.execute(ctx, "set_remove", false, func() (any, error) {
		return nil, s.client.SRem(ctx, setName, member).Err()
	})
	if err != nil {
		return fmt.Errorf("set remove %s/%s: %w", setName, member, err)
	}
	return nil
}

// SetMembers returns all members of a membership set. On an open breaker
// it degrades to an empty slice so worker loops simply find no work.
func (s *Service) SetMembers(ctx context.Context, setName string) ([]string, error) {
	res, err := s.execute(ctx, "set_members", true, func() (any, error) {
		return s.client.SMembers(ctx, setName).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("set members %s: %w", setName, err)
	}
	if res == nil {
		return nil, nil
	}
	return res.([]string), nil
}

// EnsureGroup creates a consumer group at id 0-0 with MKSTREAM, idempotently
// swallowing redis' BUSYGROUP error when the group already exists.
func (s *Service) EnsureGroup(ctx context.Context, stream, group string) error {
	_, err := s.execute(ctx, "ensure_group", false, func() (any, error) {
		err := s.client.XGroupCreateMkStream(ctx, stream, group, "0-0").Err()
		if err != nil && isBusyGroup(err) {
			return nil, nil
		}
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("ensure group %s/%s: %w", stream, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists" ||
		containsBusyGroup(err.Error()))
}

func containsBusyGroup(s string) bool {
	for i := 0; i+9 <= len(s); i++ {
		if s[i:i+9] == "BUSYGROUP" {
			return true
		}
	}
	return false
}

// StreamAppend appends a single-field entry to a stream and returns its id.
func (s *Service) StreamAppend(ctx context.Context, stream, field, payload string) (string, error) {
	res, err := s.execute(ctx, "stream_append", false, func() (any, error) {
		return s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{field: payload},
		}).Result()
	})
	if err != nil {
		return "", fmt.Errorf("stream append %s: %w", stream, err)
	}
	if res == nil {
		return "", nil
	}
	return res.(string), nil
}

// StreamReadGroup reads from a stream via a consumer group. cursor "0"
// drains pending (already delivered, un-acked) entries; cursor ">" reads
// new entries. An open breaker degrades to an empty read.
func (s *Service) StreamReadGroup(ctx context.Context, stream, group, consumer, cursor string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.execute(ctx, "stream_read_group", true, func() (any, error) {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, cursor},
			Count:    count,
			Block:    block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return []redis.XMessage{}, nil
		}
		if err != nil {
			return nil, err
		}
		if len(streams) == 0 {
			return []redis.XMessage{}, nil
		}
		return streams[0].Messages, nil
	})
	if err != nil {
		return nil, fmt.Errorf("stream read group %s/%s: %w", stream, group, err)
	}
	if res == nil {
		return []redis.XMessage{}, nil
	}
	return res.([]redis.XMessage), nil
}

// StreamAck acknowledges a stream entry for a consumer group.
func (s *Service) StreamAck(ctx context.Context, stream, group, id string) error {
	_, err := s.execute(ctx, "stream_ack", false, func() (any, error) {
		return nil, s.client.XAck(ctx, stream, group, id).Err()
	})
	if err != nil {
		return fmt.Errorf("stream ack %s/%s/%s: %w", stream, group, id, err)
	}
	return nil
}

// HashGet reads one field of a hash (e.g. a status ledger sub-field).
func (s *Service) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	res, err := s.execute(ctx, "hash_get", true, func() (any, error) {
		v, err := s.client.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return v, err
	})
	if err != nil {
		return "", false, fmt.Errorf("hash get %s/%s: %w", key, field, err)
	}
	if res == nil {
		return "", false, nil
	}
	str := res.(string)
	return str, str != "", nil
}

// HashGetAll returns an entire hash (e.g. the full ledger for one entity).
func (s *Service) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.execute(ctx, "hash_get_all", true, func() (any, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("hash get all %s: %w", key, err)
	}
	if res == nil {
		return map[string]string{}, nil
	}
	return res.(map[string]string), nil
}

// HashPut writes one field of a hash.
func (s *Service) HashPut(ctx context.Context, key, field, value string) error {
	_, err := s.execute(ctx, "hash_put", false, func() (any, error) {
		return nil, s.client.HSet(ctx, key, field, value).Err()
	})
	if err != nil {
		return fmt.Errorf("hash put %s/%s: %w", key, field, err)
	}
	return nil
}

// HashDelete removes an entire hash (used when deleting a meeting's whole
// status ledger).
func (s *Service) HashDelete(ctx context.Context, key string) error {
	_, err := s.execute(ctx, "hash_delete", false, func() (any, error) {
		return nil, s.client.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("hash delete %s: %w", key, err)
	}
	return nil
}

// HashFieldDelete removes a single field from a hash (e.g. clearing one
// status-ledger sub-field without touching its siblings).
func (s *Service) HashFieldDelete(ctx context.Context, key, field string) error {
	_, err := s.execute(ctx, "hash_field_delete", false, func() (any, error) {
		return nil, s.client.HDel(ctx, key, field).Err()
	})
	if err != nil {
		return fmt.Errorf("hash field delete %s/%s: %w", key, field, err)
	}
	return nil
}

// KeyTouch refreshes a key's last-access time without changing its TTL.
func (s *Service) KeyTouch(ctx context.Context, key string) error {
	_, err := s.execute(ctx, "key_touch", true, func() (any, error) {
		return nil, s.client.Touch(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("key touch %s: %w", key, err)
	}
	return nil
}

// KeyExpire sets a key's TTL in seconds.
func (s *Service) KeyExpire(ctx context.Context, key string, seconds int) error {
	_, err := s.execute(ctx, "key_expire", false, func() (any, error) {
		return nil, s.client.Expire(ctx, key, time.Duration(seconds)*time.Second).Err()
	})
	if err != nil {
		return fmt.Errorf("key expire %s: %w", key, err)
	}
	return nil
}

// BGSave triggers an asynchronous background save, used on graceful
// shutdown of any worker.
func (s *Service) BGSave(ctx context.Context) error {
	_, err := s.execute(ctx, "bgsave", false, func() (any, error) {
		return nil, s.client.BgSave(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("bgsave: %w", err)
	}
	return nil
}

// Ping verifies broker connectivity, used by the HTTP admin readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.execute(ctx, "ping", false, func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close releases the underlying Redis connection pool.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
