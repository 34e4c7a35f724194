// Package playback sequences decoded audio frames onto an
// [audio.OutputDevice] so that consecutive frames play back to back, and
// supports an immediate global flush for interruptions.
package playback

import (
	"fmt"
	"sync"

	"github.com/MrWong99/nexusvoice/pkg/audio"
)

// Handle describes one frame scheduled on the output device. Start and
// Duration are in seconds on the device clock.
type Handle struct {
	ID       uint64
	Start    float64
	Duration float64
}

// End returns the device time at which the frame finishes.
func (h *Handle) End() float64 {
	return h.Start + h.Duration
}

type entry struct {
	handle *Handle
	voice  audio.Voice
}

// Scheduler owns the next-start timestamp and the set of live handles.
// Enqueue, Flush and natural completion are serialized by a single mutex;
// none of them blocks on the device.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out audio.OutputDevice

	mu   sync.Mutex
	next float64 // 0 means nothing pending
	seq  uint64
	live map[uint64]entry
}

// New creates a Scheduler that plays onto out.
func New(out audio.OutputDevice) *Scheduler {
	return &Scheduler{
		out:  out,
		live: make(map[uint64]entry),
	}
}

// Enqueue schedules frame to start at max(NextStartTime, now) and advances
// the next-start timestamp by the frame's duration. The returned handle is
// removed from the live set when the device reports the frame has ended.
//
// If the device rejects the frame, no state changes.
func (s *Scheduler) Enqueue(frame audio.AudioFrame, now float64) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := max(s.next, now)
	s.seq++
	h := &Handle{ID: s.seq, Start: start, Duration: frame.Seconds()}

	id := h.ID
	voice, err := s.out.Play(frame, start, func() { s.release(id) })
	if err != nil {
		return nil, fmt.Errorf("playback: enqueue: %w", err)
	}
	s.live[id] = entry{handle: h, voice: voice}
	s.next = h.End()
	return h, nil
}

// EnqueueNow schedules frame relative to the output device's current time.
func (s *Scheduler) EnqueueNow(frame audio.AudioFrame) (*Handle, error) {
	return s.Enqueue(frame, s.out.Now())
}

// Flush stops every live frame, empties the live set and resets the
// next-start timestamp, so the next Enqueue starts at the device's current
// time. It returns the number of frames that were stopped.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	live := s.live
	s.live = make(map[uint64]entry)
	s.next = 0
	s.mu.Unlock()

	// Stop may report completion synchronously; release must not find the
	// lock held.
	for _, e := range live {
		if e.voice != nil {
			e.voice.Stop()
		}
	}
	return len(live)
}

// NextStartTime returns the device time at which the next frame would start
// if the device has not idled past it. Zero means nothing is pending.
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Live returns the number of frames currently playing or queued.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Now returns the output device clock.
func (s *Scheduler) Now() float64 {
	return s.out.Now()
}

func (s *Scheduler) release(id uint64) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}
