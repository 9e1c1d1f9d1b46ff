package stream

import (
	"fmt"

	"github.com/benbjohnson/clock"
)

// Options selects and configures a backend for Open
type Options struct {
	Backend string // redis or pebble
	URL     string
	DataDir string
	Clock   clock.Clock
}

// Open returns the Client for opts.Backend
func Open(opts Options) (Client, error) {
	switch opts.Backend {
	case "redis", "":
		return NewRedis(opts.URL)
	case "pebble":
		var po []PebbleOption
		if opts.Clock != nil {
			po = append(po, WithClock(opts.Clock))
		}
		return NewPebble(opts.DataDir, po...)
	default:
		return nil, fmt.Errorf("unknown stream backend %q", opts.Backend)
	}
}
