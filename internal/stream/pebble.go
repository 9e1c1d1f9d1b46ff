package stream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// Keyspace, all keys are prefixed with s/{stream}:
//   - /m                      last assigned sequence (be8)
//   - /e/{seq_be8}            entry values (json)
//   - /g/{group}              group cursor, last delivered sequence (be8)
//   - /p/{group}/{seq_be8}    pending record (json)
var (
	streamPrefix = []byte("s/")
	metaSuffix   = []byte("/m")
	entrySeg     = []byte("/e/")
	groupSeg     = []byte("/g/")
	pendingSeg   = []byte("/p/")
)

type pendingRecord struct {
	Consumer    string `json:"consumer"`
	DeliveredMS int64  `json:"delivered_ms"`
	Deliveries  int64  `json:"deliveries"`
}

// Pebble is an embedded single-process Client. One mutex guards every
// operation so group cursors and pending records never race.
type Pebble struct {
	mu    sync.Mutex
	db    *pebble.DB
	clock clock.Clock
}

// PebbleOption configures NewPebble
type PebbleOption func(*Pebble)

// WithClock sets the clock used to stamp and age pending entries
func WithClock(c clock.Clock) PebbleOption {
	return func(p *Pebble) { p.clock = c }
}

// NewPebble opens or creates a pebble database in dir
func NewPebble(dir string, opts ...PebbleOption) (*Pebble, error) {
	if dir == "" {
		return nil, errors.New("pebble stream: data dir is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", dir)
	}
	p := &Pebble{db: db, clock: clock.New()}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Pebble) EnsureGroup(_ context.Context, stream, group string, start GroupStart) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	gk := groupKey(stream, group)
	if _, ok, err := p.getUint(gk); err != nil || ok {
		return err
	}
	last, _, err := p.getUint(metaKey(stream))
	if err != nil {
		return err
	}
	cursor := uint64(0)
	if start == StartFromTail {
		cursor = last
	}

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(metaKey(stream), be8(last), nil); err != nil {
		return err
	}
	if err := b.Set(gk, be8(cursor), nil); err != nil {
		return err
	}
	return errors.Wrapf(b.Commit(pebble.Sync), "create group %s on %s", group, stream)
}

func (p *Pebble) Append(ctx context.Context, stream string, values map[string]string) (string, error) {
	ids, err := p.AppendBulk(ctx, stream, []map[string]string{values})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (p *Pebble) AppendBulk(_ context.Context, stream string, records []map[string]string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(records))
	last, _, err := p.getUint(metaKey(stream))
	if err != nil {
		return ids, err
	}
	for _, values := range records {
		body, err := json.Marshal(values)
		if err != nil {
			return ids, errors.Wrap(err, "encode entry")
		}
		seq := last + 1
		if err := p.commitAppend(stream, seq, body); err != nil {
			return ids, errors.Wrapf(err, "append to %s", stream)
		}
		last = seq
		ids = append(ids, formatID(seq))
	}
	return ids, nil
}

func (p *Pebble) commitAppend(stream string, seq uint64, body []byte) error {
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(stream, seq), body, nil); err != nil {
		return err
	}
	if err := b.Set(metaKey(stream), be8(seq), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (p *Pebble) ReadGroup(_ context.Context, stream, group, consumer string, count int) ([]Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	gk := groupKey(stream, group)
	cursor, ok, err := p.getUint(gk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrNoGroup, "%s on %s", group, stream)
	}

	prefix := entryPrefix(stream)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(stream, cursor+1),
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	now := p.clock.Now().UnixMilli()
	b := p.db.NewBatch()
	defer b.Close()

	var entries []Entry
	for iter.First(); iter.Valid() && len(entries) < count; iter.Next() {
		seq := binary.BigEndian.Uint64(iter.Key()[len(prefix):])
		var values map[string]string
		if err := json.Unmarshal(iter.Value(), &values); err != nil {
			return nil, errors.Wrapf(err, "decode entry %d", seq)
		}
		rec, err := json.Marshal(pendingRecord{Consumer: consumer, DeliveredMS: now, Deliveries: 1})
		if err != nil {
			return nil, errors.Wrapf(err, "encode pending %d", seq)
		}
		if err := b.Set(pendingKey(stream, group, seq), rec, nil); err != nil {
			return nil, errors.Wrapf(err, "mark %d pending", seq)
		}
		cursor = seq
		entries = append(entries, Entry{ID: formatID(seq), Values: values, Deliveries: 1})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if err := b.Set(gk, be8(cursor), nil); err != nil {
		return nil, errors.Wrapf(err, "advance group %s", group)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, errors.Wrapf(err, "read group %s", group)
	}
	return entries, nil
}

func (p *Pebble) Claim(_ context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok, err := p.getUint(groupKey(stream, group)); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.Wrapf(ErrNoGroup, "%s on %s", group, stream)
	}

	prefix := pendingPrefix(stream, group)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	now := p.clock.Now().UnixMilli()
	b := p.db.NewBatch()
	defer b.Close()

	var entries []Entry
	for iter.First(); iter.Valid() && len(entries) < count; iter.Next() {
		seq := binary.BigEndian.Uint64(iter.Key()[len(prefix):])
		var rec pendingRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, errors.Wrapf(err, "decode pending %d", seq)
		}
		if time.Duration(now-rec.DeliveredMS)*time.Millisecond < minIdle {
			continue
		}
		body, found, err := p.get(entryKey(stream, seq))
		if err != nil {
			return nil, err
		}
		if !found {
			// entry was deleted or trimmed, the reference is useless
			if err := b.Delete(pendingKey(stream, group, seq), nil); err != nil {
				return nil, errors.Wrapf(err, "drop pending %d", seq)
			}
			continue
		}
		var values map[string]string
		if err := json.Unmarshal(body, &values); err != nil {
			return nil, errors.Wrapf(err, "decode entry %d", seq)
		}
		rec.Consumer = consumer
		rec.DeliveredMS = now
		rec.Deliveries++
		enc, err := json.Marshal(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "encode pending %d", seq)
		}
		if err := b.Set(pendingKey(stream, group, seq), enc, nil); err != nil {
			return nil, errors.Wrapf(err, "claim %d", seq)
		}
		entries = append(entries, Entry{ID: formatID(seq), Values: values, Deliveries: rec.Deliveries})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if b.Empty() {
		return entries, nil
	}
	return entries, errors.Wrapf(b.Commit(pebble.Sync), "claim from %s", group)
}

func (p *Pebble) Ack(_ context.Context, stream, group string, ids ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleteKeys(ids, func(seq uint64) []byte { return pendingKey(stream, group, seq) })
}

func (p *Pebble) Delete(_ context.Context, stream string, ids ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleteKeys(ids, func(seq uint64) []byte { return entryKey(stream, seq) })
}

func (p *Pebble) Trim(_ context.Context, stream string, maxLen int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, err := p.keysWithPrefix(entryPrefix(stream))
	if err != nil {
		return 0, err
	}
	excess := int64(len(keys)) - maxLen
	if excess <= 0 {
		return 0, nil
	}
	b := p.db.NewBatch()
	defer b.Close()
	for _, k := range keys[:excess] {
		if err := b.Delete(k, nil); err != nil {
			return 0, errors.Wrapf(err, "trim %s", stream)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "trim %s", stream)
	}
	return excess, nil
}

func (p *Pebble) Len(_ context.Context, stream string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys, err := p.keysWithPrefix(entryPrefix(stream))
	return int64(len(keys)), err
}

func (p *Pebble) Pending(_ context.Context, stream, group string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok, err := p.getUint(groupKey(stream, group)); err != nil {
		return 0, err
	} else if !ok {
		return 0, errors.Wrapf(ErrNoGroup, "%s on %s", group, stream)
	}
	keys, err := p.keysWithPrefix(pendingPrefix(stream, group))
	return int64(len(keys)), err
}

func (p *Pebble) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return errors.New("pebble stream is closed")
	}
	return nil
}

func (p *Pebble) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *Pebble) deleteKeys(ids []string, key func(uint64) []byte) error {
	if len(ids) == 0 {
		return nil
	}
	b := p.db.NewBatch()
	defer b.Close()
	for _, id := range ids {
		seq, err := parseID(id)
		if err != nil {
			return err
		}
		if err := b.Delete(key(seq), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (p *Pebble) keysWithPrefix(prefix []byte) ([][]byte, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var keys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	return keys, iter.Error()
}

func (p *Pebble) get(key []byte) ([]byte, bool, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

func (p *Pebble) getUint(key []byte) (uint64, bool, error) {
	v, ok, err := p.get(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(v) != 8 {
		return 0, false, errors.Errorf("corrupt counter at %q", key)
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func streamKey(stream string, seg []byte) []byte {
	k := make([]byte, 0, len(streamPrefix)+len(stream)+len(seg)+32)
	k = append(k, streamPrefix...)
	k = append(k, stream...)
	return append(k, seg...)
}

func metaKey(stream string) []byte { return streamKey(stream, metaSuffix) }

func entryPrefix(stream string) []byte { return streamKey(stream, entrySeg) }

func entryKey(stream string, seq uint64) []byte {
	return append(entryPrefix(stream), be8(seq)...)
}

func groupKey(stream, group string) []byte {
	return append(streamKey(stream, groupSeg), group...)
}

func pendingPrefix(stream, group string) []byte {
	k := append(streamKey(stream, pendingSeg), group...)
	return append(k, '/')
}

func pendingKey(stream, group string, seq uint64) []byte {
	return append(pendingPrefix(stream, group), be8(seq)...)
}

func be8(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// prefixEnd returns the smallest key greater than every key with prefix
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func formatID(seq uint64) string {
	return strconv.FormatUint(seq, 10) + "-0"
}

func parseID(id string) (uint64, error) {
	head, _, _ := strings.Cut(id, "-")
	seq, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid entry id %q", id)
	}
	return seq, nil
}
