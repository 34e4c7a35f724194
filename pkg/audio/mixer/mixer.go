// Package mixer provides a sample-accurate software [audio.OutputDevice].
//
// A [Mixer] keeps its clock in rendered samples: every call to [Mixer.Render]
// advances the clock by the length of the buffer it fills. Voices are started
// at exactly round(at*rate) samples, so back-to-back frames scheduled at each
// other's end times play without gaps or overlaps. Device backends drive
// Render from their audio callback.
package mixer

import (
	"container/heap"
	"errors"
	"math"
	"sync"

	"github.com/MrWong99/nexusvoice/pkg/audio"
)

var (
	_ audio.OutputDevice = (*Mixer)(nil)
	_ audio.Voice        = (*voice)(nil)
)

// ErrClosed is returned by [Mixer.Play] after [Mixer.Close].
var ErrClosed = errors.New("mixer: closed")

// Mixer sums scheduled voices into mono float32 buffers.
//
// All methods are safe for concurrent use. End callbacks run on their own
// goroutine, never on the caller's.
type Mixer struct {
	rate int

	mu      sync.Mutex
	pos     int64 // samples rendered so far
	seq     uint64
	pending voiceHeap
	active  []*voice
	closed  bool
}

// New returns a Mixer whose clock runs at rate samples per second.
func New(rate int) *Mixer {
	return &Mixer{rate: rate}
}

// SampleRate returns the output rate in Hz.
func (m *Mixer) SampleRate() int { return m.rate }

// Now implements [audio.OutputDevice].
func (m *Mixer) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.pos) / float64(m.rate)
}

// Play implements [audio.OutputDevice]. Frames at a different rate are
// resampled to the mixer rate.
func (m *Mixer) Play(frame audio.AudioFrame, at float64, onEnded func()) (audio.Voice, error) {
	samples := audio.Resample(frame, m.rate).Samples

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	start := max(int64(math.Round(at*float64(m.rate))), m.pos)
	m.seq++
	v := &voice{m: m, samples: samples, start: start, seq: m.seq, onEnded: onEnded}
	heap.Push(&m.pending, v)
	return v, nil
}

// Render fills out with the next len(out) samples and advances the clock.
func (m *Mixer) Render(out []float32) {
	clear(out)

	m.mu.Lock()
	end := m.pos + int64(len(out))
	for m.pending.Len() > 0 && m.pending[0].start < end {
		v := heap.Pop(&m.pending).(*voice)
		if !v.stopped {
			m.active = append(m.active, v)
		}
	}

	var ended []*voice
	keep := m.active[:0]
	for _, v := range m.active {
		if v.stopped {
			continue
		}
		// off is negative once the voice started in an earlier buffer.
		off := v.start - m.pos
		src, dst := v.samples, out
		if off >= 0 {
			dst = out[off:]
		} else {
			src = src[min(-off, int64(len(src))):]
		}
		n := min(len(src), len(dst))
		for i := range n {
			dst[i] += src[i]
		}
		if v.start+int64(len(v.samples)) <= end {
			v.stopped = true
			ended = append(ended, v)
			continue
		}
		keep = append(keep, v)
	}
	clear(m.active[len(keep):])
	m.active = keep
	m.pos = end
	m.mu.Unlock()

	for _, v := range ended {
		v.fire()
	}
}

// Pending returns the number of voices scheduled or playing.
func (m *Mixer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.active)
	for _, v := range m.pending {
		if !v.stopped {
			n++
		}
	}
	return n
}

// Close stops every voice and rejects further Play calls.
func (m *Mixer) Close() {
	m.mu.Lock()
	var all []*voice
	for _, v := range m.pending {
		if !v.stopped {
			v.stopped = true
			all = append(all, v)
		}
	}
	for _, v := range m.active {
		v.stopped = true
		all = append(all, v)
	}
	m.pending, m.active = nil, nil
	m.closed = true
	m.mu.Unlock()

	for _, v := range all {
		v.fire()
	}
}

type voice struct {
	m       *Mixer
	samples []float32
	start   int64
	seq     uint64
	stopped bool // guarded by m.mu

	once    sync.Once
	onEnded func()
}

// Stop implements [audio.Voice]. A stopped voice that has not started yet
// stays in the heap until its start time and is discarded there.
func (v *voice) Stop() {
	v.m.mu.Lock()
	if v.stopped {
		v.m.mu.Unlock()
		return
	}
	v.stopped = true
	v.m.mu.Unlock()
	v.fire()
}

func (v *voice) fire() {
	v.once.Do(func() {
		if v.onEnded != nil {
			go v.onEnded()
		}
	})
}
