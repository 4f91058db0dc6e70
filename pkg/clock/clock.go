// Package clock issues second-precise Lamport-style timestamps such as
// `7AMTc01+gritzko`: 5 base64 chars of seconds since [Epoch], an optional
// 2-char intra-second sequence, then the issuing source.
package clock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raskyld/swarm/pkg/spec"
)

// Epoch of every timestamp, 1 Jan 2010 UTC.
var Epoch = time.UnixMilli(1262275200000).UTC()

const (
	tsWidth  = 5
	seqWidth = 2
	maxSeq   = 1<<(6*seqWidth) - 1
)

var ErrInvalidCfg = errors.New("clock: invalid options")

type config struct {
	offset time.Duration
	now    func() time.Time
}

type Option func(*config) error

// WithOffset shifts the clock, for peers whose wall clock is known to be off.
func WithOffset(offset time.Duration) Option {
	return func(c *config) error {
		c.offset = offset
		return nil
	}
}

// WithNow replaces the wall clock.
func WithNow(now func() time.Time) Option {
	return func(c *config) error {
		if now == nil {
			return fmt.Errorf("%w: nil time source", ErrInvalidCfg)
		}
		c.now = now
		return nil
	}
}

// Clock is safe for concurrent use. Timestamps issued by one clock are
// strictly increasing, even if the wall clock goes backwards.
type Clock struct {
	source string
	now    func() time.Time

	lk      sync.Mutex
	offset  time.Duration
	lastSec uint64
	seq     uint64
	issued  bool
}

func New(source string, opts ...Option) (*Clock, error) {
	if source == "" {
		return nil, fmt.Errorf("%w: empty source", ErrInvalidCfg)
	}
	if _, _, err := spec.ParseToken(source); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	cfg := config{now: time.Now}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	return &Clock{
		source: source,
		now:    cfg.now,
		offset: cfg.offset,
	}, nil
}

func (c *Clock) Source() string {
	return c.source
}

func (c *Clock) Offset() time.Duration {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.offset
}

// Issue returns the next timestamp, suffixed with `+source`.
func (c *Clock) Issue() string {
	c.lk.Lock()
	defer c.lk.Unlock()

	elapsed := c.now().Add(c.offset).Sub(Epoch)
	var sec uint64
	if elapsed > 0 {
		sec = uint64(elapsed / time.Second)
	}

	switch {
	case !c.issued || sec > c.lastSec:
		c.lastSec = sec
		c.seq = 0
	case c.seq < maxSeq:
		c.seq++
	default:
		// Sequence exhausted, borrow the next second.
		c.lastSec++
		c.seq = 0
	}
	c.issued = true

	ts := spec.Int2Base(c.lastSec, tsWidth)
	if c.seq > 0 {
		ts += spec.Int2Base(c.seq, seqWidth)
	}
	return ts + "+" + c.source
}

// SyncTo adjusts the offset so that this clock reads the same second as
// the remote timestamp right now.
func (c *Clock) SyncTo(remote string) error {
	at, err := Time(remote)
	if err != nil {
		return err
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	c.offset = at.Sub(c.now().Truncate(time.Second))
	return nil
}

// Parse splits a timestamp into seconds since [Epoch], sequence and source.
func Parse(ts string) (sec, seq uint64, source string, err error) {
	bare, source, err := spec.ParseToken(ts)
	if err != nil {
		return 0, 0, "", err
	}
	if len(bare) != tsWidth && len(bare) != tsWidth+seqWidth {
		return 0, 0, "", fmt.Errorf("%w: bad timestamp %q", spec.ErrMalformed, ts)
	}

	sec, err = spec.Base2Int(bare[:tsWidth])
	if err != nil {
		return 0, 0, "", err
	}
	if len(bare) > tsWidth {
		seq, err = spec.Base2Int(bare[tsWidth:])
		if err != nil {
			return 0, 0, "", err
		}
	}
	return sec, seq, source, nil
}

// Time decodes the wall time a timestamp was issued at, at second precision.
func Time(ts string) (time.Time, error) {
	sec, _, _, err := Parse(ts)
	if err != nil {
		return time.Time{}, err
	}
	return Epoch.Add(time.Duration(sec) * time.Second), nil
}
