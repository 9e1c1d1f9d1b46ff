// Package stream is an append-only log with consumer groups. Entries are
// delivered to exactly one consumer of a group and stay pending until acked.
package stream

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNoGroup is returned when reading from a group that was never created
var ErrNoGroup = errors.New("consumer group does not exist")

// GroupStart is where a newly created group begins reading
type GroupStart string

// Group start positions
const (
	StartFromBeginning GroupStart = "0"
	StartFromTail      GroupStart = "$"
)

// Entry is a stream record as seen by a consumer
type Entry struct {
	ID     string
	Values map[string]string
	// Deliveries counts how many times the entry was handed to a consumer, including this one.
	Deliveries int64
}

// Client is implemented by every stream backend
type Client interface {
	// EnsureGroup creates the stream and group when missing. An existing group is left untouched.
	EnsureGroup(ctx context.Context, stream, group string, start GroupStart) error
	Append(ctx context.Context, stream string, values map[string]string) (string, error)
	// AppendBulk appends each record in order. On error it returns the ids appended so far.
	AppendBulk(ctx context.Context, stream string, records []map[string]string) ([]string, error)
	// ReadGroup hands up to count never-delivered entries to consumer without blocking.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int) ([]Entry, error)
	// Claim transfers pending entries idle for at least minIdle to consumer.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Delete(ctx context.Context, stream string, ids ...string) error
	// Trim drops the oldest entries until at most maxLen remain and returns how many were removed.
	Trim(ctx context.Context, stream string, maxLen int64) (int64, error)
	Len(ctx context.Context, stream string) (int64, error)
	// Pending returns the size of the group's pending entries list.
	Pending(ctx context.Context, stream, group string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
