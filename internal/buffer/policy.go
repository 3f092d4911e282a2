// Package buffer implements the batching and buffering policy that sits
// between voice activity detection and the active transcription adapter.
//
// A Policy decides, frame by frame, whether audio is forwarded straight to
// the adapter, accumulated into an utterance unit, or both. Units are flushed
// when silence outlasts MinSilence, when the buffered speech reaches
// MaxBatch, or when the session stops.
//
// Policy is not safe for concurrent use. It is owned by the session loop,
// which also owns the silence timer; the policy only reports the deadline
// via [Policy.Deadline] and is told when it expires via [Policy.Expire].
package buffer

import (
	"fmt"
	"time"

	"github.com/MrWong99/therascribe/pkg/types"
)

// Mode selects how frames reach the adapter.
type Mode int

const (
	// ModeBatch accumulates speech and delivers whole utterances.
	ModeBatch Mode = iota

	// ModeRealtime forwards every frame immediately and never accumulates.
	ModeRealtime

	// ModeHybrid forwards every frame for low-latency interim results and
	// also accumulates utterances for a higher-quality batch pass.
	ModeHybrid
)

// String returns "batch", "realtime" or "hybrid".
func (m Mode) String() string {
	switch m {
	case ModeRealtime:
		return "realtime"
	case ModeHybrid:
		return "hybrid"
	default:
		return "batch"
	}
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "batch", "":
		return ModeBatch, nil
	case "realtime":
		return ModeRealtime, nil
	case "hybrid":
		return ModeHybrid, nil
	default:
		return ModeBatch, fmt.Errorf("buffer: unknown mode %q", s)
	}
}

// Reason records why a unit was flushed.
type Reason string

const (
	ReasonSilence Reason = "silence"
	ReasonSize    Reason = "size"
	ReasonStop    Reason = "stop"
)

const (
	DefaultMinSilence = 1000 * time.Millisecond
	DefaultMaxBatch   = 3000 * time.Millisecond
)

// Config controls a Policy.
type Config struct {
	Mode Mode

	// MinSilence is how long silence must last before a non-empty buffer is
	// flushed. Default 1000ms.
	MinSilence time.Duration

	// MaxBatch caps buffered speech; reaching it forces a flush while speech
	// is still active. Default 3000ms.
	MaxBatch time.Duration
}

// WithDefaults returns cfg with zero durations replaced by defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.MinSilence <= 0 {
		cfg.MinSilence = DefaultMinSilence
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	return cfg
}

// Unit is one flushed utterance: the frames appended since the previous
// flush, concatenated in arrival order.
type Unit struct {
	// Seq numbers flushes from 1 within a policy.
	Seq uint64

	// Data is the concatenated PCM.
	Data []byte

	// Frames is how many frames were concatenated.
	Frames int

	// Duration is the summed playback length of the frames.
	Duration time.Duration

	// Start is when the first frame of the unit was pushed.
	Start time.Time

	// Reason is why the unit was flushed.
	Reason Reason
}

// Decision is the outcome of pushing one frame.
type Decision struct {
	// Forward is true when the frame should be sent to the adapter now.
	Forward bool

	// Flush is non-nil when the push completed a unit.
	Flush *Unit
}

// Policy is the buffering state machine for one session.
type Policy struct {
	cfg Config

	data     []byte
	frames   int
	duration time.Duration
	start    time.Time
	deadline time.Time
	seq      uint64
}

// New creates a Policy.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg.WithDefaults()}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config { return p.cfg }

// Push classifies one frame. active is the VAD verdict for the frame and now
// is the session clock.
func (p *Policy) Push(frame types.AudioFrame, active bool, now time.Time) Decision {
	d := Decision{Forward: p.cfg.Mode != ModeBatch}
	if p.cfg.Mode == ModeRealtime {
		return d
	}

	if active {
		if p.frames == 0 {
			p.start = now
		}
		p.deadline = time.Time{}
		p.data = append(p.data, frame.Data...)
		p.frames++
		p.duration += frame.Duration()
		if p.duration >= p.cfg.MaxBatch {
			d.Flush = p.flush(ReasonSize)
		}
		return d
	}

	if p.frames == 0 {
		return d
	}
	if p.deadline.IsZero() {
		p.deadline = now.Add(p.cfg.MinSilence)
		return d
	}
	if !now.Before(p.deadline) {
		d.Flush = p.flush(ReasonSilence)
	}
	return d
}

// Deadline returns when the armed silence timer expires. ok is false when no
// timer is armed.
func (p *Policy) Deadline() (deadline time.Time, ok bool) {
	return p.deadline, !p.deadline.IsZero()
}

// Expire flushes the buffer if the silence deadline has passed at now. It
// returns nil when no timer is armed or it has not yet expired, which makes
// stale timer callbacks harmless.
func (p *Policy) Expire(now time.Time) *Unit {
	if p.deadline.IsZero() || now.Before(p.deadline) {
		return nil
	}
	return p.flush(ReasonSilence)
}

// Flush empties the buffer unconditionally. It returns nil when nothing is
// buffered.
func (p *Policy) Flush(reason Reason) *Unit {
	return p.flush(reason)
}

// Pending returns the duration of buffered speech.
func (p *Policy) Pending() time.Duration { return p.duration }

// Reset drops buffered audio and disarms the silence timer. The sequence
// counter is kept.
func (p *Policy) Reset() {
	p.data = nil
	p.frames = 0
	p.duration = 0
	p.start = time.Time{}
	p.deadline = time.Time{}
}

func (p *Policy) flush(reason Reason) *Unit {
	if p.frames == 0 {
		p.deadline = time.Time{}
		return nil
	}
	p.seq++
	u := &Unit{
		Seq:      p.seq,
		Data:     p.data,
		Frames:   p.frames,
		Duration: p.duration,
		Start:    p.start,
		Reason:   reason,
	}
	p.data = nil
	p.frames = 0
	p.duration = 0
	p.start = time.Time{}
	p.deadline = time.Time{}
	return u
}
