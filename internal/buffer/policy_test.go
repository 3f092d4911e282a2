package buffer

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/therascribe/pkg/types"
)

const frameMs = 20

// frame builds a 20ms 16kHz mono frame whose bytes all equal tag, so that
// concatenation order is observable.
func frame(tag byte) types.AudioFrame {
	data := make([]byte, 16000*frameMs/1000*2)
	for i := range data {
		data[i] = tag
	}
	return types.AudioFrame{Data: data, SampleRate: 16000, Channels: 1}
}

func TestScenarioSilenceSpeechSilence(t *testing.T) {
	p := New(Config{Mode: ModeBatch, MinSilence: 1000 * time.Millisecond, MaxBatch: 3000 * time.Millisecond})

	base := time.Unix(0, 0)
	now := base
	var flushes []*Unit
	var flushedAt []time.Duration
	push := func(n int, active bool) {
		for range n {
			d := p.Push(frame(1), active, now)
			if d.Forward {
				t.Fatal("batch mode must not forward frames")
			}
			if d.Flush != nil {
				flushes = append(flushes, d.Flush)
				flushedAt = append(flushedAt, now.Sub(base))
			}
			now = now.Add(frameMs * time.Millisecond)
		}
	}

	push(400/frameMs, false)
	push(1200/frameMs, true)
	speechEnd := now.Sub(base)
	push(1500/frameMs, false)

	if len(flushes) != 1 {
		t.Fatalf("flushes = %d, want 1", len(flushes))
	}
	u := flushes[0]
	if u.Duration != 1200*time.Millisecond {
		t.Errorf("Duration = %v, want 1.2s", u.Duration)
	}
	if u.Frames != 60 {
		t.Errorf("Frames = %d, want 60", u.Frames)
	}
	if u.Reason != ReasonSilence {
		t.Errorf("Reason = %q, want silence", u.Reason)
	}
	if u.Start != base.Add(400*time.Millisecond) {
		t.Errorf("Start = %v, want 400ms", u.Start.Sub(base))
	}
	if got := flushedAt[0] - speechEnd; got != 1000*time.Millisecond {
		t.Errorf("flush fired %v after speech ended, want 1s", got)
	}
}

func TestSpeechResumesBeforeSilenceExpires(t *testing.T) {
	p := New(Config{MinSilence: time.Second})
	now := time.Unix(0, 0)

	p.Push(frame(1), true, now)
	p.Push(frame(0), false, now.Add(20*time.Millisecond))
	if _, ok := p.Deadline(); !ok {
		t.Fatal("expected silence timer armed")
	}
	p.Push(frame(2), true, now.Add(500*time.Millisecond))
	if _, ok := p.Deadline(); ok {
		t.Fatal("expected silence timer cancelled when speech resumes")
	}
	if u := p.Expire(now.Add(2 * time.Second)); u != nil {
		t.Fatal("stale expiry must not flush")
	}
	u := p.Flush(ReasonStop)
	if u == nil || u.Frames != 2 {
		t.Fatalf("Flush = %+v, want both speech frames", u)
	}
}

func TestExpire(t *testing.T) {
	p := New(Config{MinSilence: 300 * time.Millisecond})
	now := time.Unix(0, 0)

	if u := p.Expire(now); u != nil {
		t.Fatal("Expire on empty policy should be nil")
	}
	p.Push(frame(1), true, now)
	p.Push(frame(0), false, now.Add(20*time.Millisecond))

	deadline, ok := p.Deadline()
	if !ok || deadline != now.Add(320*time.Millisecond) {
		t.Fatalf("Deadline = (%v, %v), want armed at 320ms", deadline.Sub(now), ok)
	}
	if u := p.Expire(deadline.Add(-time.Millisecond)); u != nil {
		t.Fatal("Expire before deadline should be nil")
	}
	u := p.Expire(deadline)
	if u == nil || u.Reason != ReasonSilence || u.Seq != 1 {
		t.Fatalf("Expire = %+v, want silence flush #1", u)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending = %v after flush, want 0", p.Pending())
	}
}

func TestMaxBatchForcesFlush(t *testing.T) {
	p := New(Config{MaxBatch: 100 * time.Millisecond})
	now := time.Unix(0, 0)

	var units []*Unit
	for i := range 12 {
		if d := p.Push(frame(byte(i)), true, now); d.Flush != nil {
			units = append(units, d.Flush)
		}
		now = now.Add(frameMs * time.Millisecond)
	}
	if len(units) != 2 {
		t.Fatalf("size flushes = %d, want 2", len(units))
	}
	for i, u := range units {
		if u.Reason != ReasonSize || u.Frames != 5 || u.Seq != uint64(i+1) {
			t.Errorf("unit %d = {Reason:%s Frames:%d Seq:%d}", i, u.Reason, u.Frames, u.Seq)
		}
	}
	if p.Pending() != 40*time.Millisecond {
		t.Errorf("Pending = %v, want 40ms", p.Pending())
	}
}

func TestModes(t *testing.T) {
	now := time.Unix(0, 0)

	rt := New(Config{Mode: ModeRealtime})
	if d := rt.Push(frame(1), true, now); !d.Forward || d.Flush != nil {
		t.Errorf("realtime Push = %+v, want forward only", d)
	}
	if rt.Pending() != 0 {
		t.Error("realtime must not accumulate")
	}

	hy := New(Config{Mode: ModeHybrid})
	if d := hy.Push(frame(1), true, now); !d.Forward {
		t.Error("hybrid must forward")
	}
	if hy.Pending() != frameMs*time.Millisecond {
		t.Errorf("hybrid Pending = %v, want one frame", hy.Pending())
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeBatch, ModeRealtime, ModeHybrid} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = (%v, %v)", m.String(), got, err)
		}
	}
	if _, err := ParseMode("stream"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

// TestFlushPreservesOrder pushes random activity sequences and checks that
// the flushed units concatenate to exactly the active frames, in order.
func TestFlushPreservesOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := range 50 {
		p := New(Config{MinSilence: 60 * time.Millisecond, MaxBatch: 200 * time.Millisecond})
		now := time.Unix(0, 0)

		var want, got bytes.Buffer
		for i := range 200 {
			active := rng.IntN(3) != 0
			f := frame(byte(i))
			if active {
				want.Write(f.Data)
			}
			if d := p.Push(f, active, now); d.Flush != nil {
				got.Write(d.Flush.Data)
			}
			now = now.Add(frameMs * time.Millisecond)
		}
		if u := p.Flush(ReasonStop); u != nil {
			got.Write(u.Data)
		}
		if !bytes.Equal(want.Bytes(), got.Bytes()) {
			t.Fatalf("trial %d: flushed audio differs from appended speech (%d vs %d bytes)", trial, got.Len(), want.Len())
		}
	}
}

func TestReset(t *testing.T) {
	p := New(Config{})
	now := time.Unix(0, 0)
	p.Push(frame(1), true, now)
	p.Push(frame(0), false, now)
	p.Reset()
	if p.Pending() != 0 {
		t.Error("Pending should be 0 after Reset")
	}
	if _, ok := p.Deadline(); ok {
		t.Error("Reset should disarm the silence timer")
	}
	if u := p.Flush(ReasonStop); u != nil {
		t.Error("Flush after Reset should be nil")
	}
}
