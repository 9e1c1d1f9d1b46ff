package stream

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis is a Client backed by redis streams
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to the redis server at url, e.g. redis://localhost:6379/0
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return &Redis{rdb: redis.NewClient(opts)}, nil
}

// NewRedisFromClient wraps an existing go-redis client
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) EnsureGroup(ctx context.Context, stream, group string, start GroupStart) error {
	err := r.rdb.XGroupCreateMkStream(ctx, stream, group, string(start)).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "create group %s on %s", group, stream)
	}
	return nil
}

func (r *Redis) Append(ctx context.Context, stream string, values map[string]string) (string, error) {
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: toRedisValues(values),
	}).Result()
	if err != nil {
		return "", errors.Wrapf(err, "append to %s", stream)
	}
	return id, nil
}

func (r *Redis) AppendBulk(ctx context.Context, stream string, records []map[string]string) ([]string, error) {
	ids := make([]string, 0, len(records))
	for _, values := range records {
		id, err := r.Append(ctx, stream, values)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Redis) ReadGroup(ctx context.Context, stream, group, consumer string, count int) ([]Entry, error) {
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		// negative omits BLOCK, zero would block forever
		Block: -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, errors.Wrapf(ErrNoGroup, "%s on %s", group, stream)
		}
		return nil, errors.Wrapf(err, "read group %s", group)
	}

	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			entries = append(entries, Entry{ID: msg.ID, Values: fromRedisValues(msg.Values), Deliveries: 1})
		}
	}
	return entries, nil
}

func (r *Redis) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	msgs, _, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, errors.Wrapf(ErrNoGroup, "%s on %s", group, stream)
		}
		return nil, errors.Wrapf(err, "claim from %s", group)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, Entry{ID: msg.ID, Values: fromRedisValues(msg.Values), Deliveries: 1})
	}

	// XAUTOCLAIM does not report delivery counts, the PEL does. Each id is
	// looked up on its own so other pending entries of consumer cannot crowd it out.
	cmds := make([]*redis.XPendingExtCmd, len(entries))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, e := range entries {
			cmds[i] = pipe.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  group,
				Start:  e.ID,
				End:    e.ID,
				Count:  1,
			})
		}
		return nil
	})
	if err != nil {
		return entries, errors.Wrap(err, "read delivery counts")
	}
	for i, cmd := range cmds {
		if p := cmd.Val(); len(p) == 1 && p[0].ID == entries[i].ID {
			entries[i].Deliveries = p[0].RetryCount
		}
	}
	return entries, nil
}

func (r *Redis) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return errors.Wrapf(r.rdb.XAck(ctx, stream, group, ids...).Err(), "ack %d entries", len(ids))
}

func (r *Redis) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return errors.Wrapf(r.rdb.XDel(ctx, stream, ids...).Err(), "delete %d entries", len(ids))
}

func (r *Redis) Trim(ctx context.Context, stream string, maxLen int64) (int64, error) {
	n, err := r.rdb.XTrimMaxLen(ctx, stream, maxLen).Result()
	return n, errors.Wrapf(err, "trim %s", stream)
}

func (r *Redis) Len(ctx context.Context, stream string) (int64, error) {
	n, err := r.rdb.XLen(ctx, stream).Result()
	return n, errors.Wrapf(err, "len %s", stream)
}

func (r *Redis) Pending(ctx context.Context, stream, group string) (int64, error) {
	p, err := r.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return 0, errors.Wrapf(ErrNoGroup, "%s on %s", group, stream)
		}
		return 0, errors.Wrapf(err, "pending %s", group)
	}
	return p.Count, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func toRedisValues(values map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func fromRedisValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
