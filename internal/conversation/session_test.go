package conversation_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/nexusvoice/internal/conversation"
	"github.com/MrWong99/nexusvoice/internal/observe"
	"github.com/MrWong99/nexusvoice/pkg/audio"
	"github.com/MrWong99/nexusvoice/pkg/audio/capture"
	audiomock "github.com/MrWong99/nexusvoice/pkg/audio/mock"
	"github.com/MrWong99/nexusvoice/pkg/audio/playback"
	"github.com/MrWong99/nexusvoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/nexusvoice/pkg/provider/s2s/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type recorder struct {
	mu          sync.Mutex
	states      []conversation.State
	transcripts []string
	ended       []error

	// Optional hooks, called after recording and outside the lock.
	onState      func(conversation.State)
	onTranscript func(string)
}

func (r *recorder) OnState(s conversation.State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	hook := r.onState
	r.mu.Unlock()
	if hook != nil {
		hook(s)
	}
}

func (r *recorder) OnTranscript(text string) {
	r.mu.Lock()
	r.transcripts = append(r.transcripts, text)
	hook := r.onTranscript
	r.mu.Unlock()
	if hook != nil {
		hook(text)
	}
}

func (r *recorder) OnEnded(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, err)
}

func (r *recorder) snapshot() (states []conversation.State, transcripts []string, ended []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]conversation.State(nil), r.states...),
		append([]string(nil), r.transcripts...),
		append([]error(nil), r.ended...)
}

type harness struct {
	in       *audiomock.Input
	out      *audiomock.Output
	player   *playback.Scheduler
	provider *s2smock.Provider
	sess     *s2smock.Session
	obs      *recorder
	reader   *sdkmetric.ManualReader
	conv     *conversation.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// Device leases are process-wide, so every test gets its own device ID.
	in := &audiomock.Input{DeviceID: t.Name()}
	out := audiomock.NewOutput()
	sess := s2smock.NewSession()
	h := &harness{
		in:       in,
		out:      out,
		player:   playback.New(out),
		provider: &s2smock.Provider{Session: sess},
		sess:     sess,
		obs:      &recorder{},
		reader:   reader,
	}
	h.conv = conversation.New(
		capture.New(in, capture.DefaultConfig()),
		h.player,
		h.provider,
		s2s.DefaultConfig(),
		conversation.WithMetrics(m),
		conversation.WithObserver(h.obs),
		conversation.WithProviderName("mock"),
	)
	t.Cleanup(func() { _ = h.conv.Stop() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.conv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.conv.State(); got != conversation.StateActive {
		t.Fatalf("state after Start = %v, want active", got)
	}
}

func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// chunk returns a transport-text PCM16 payload of the given length in
// seconds at 24 kHz.
func chunk(seconds float64) string {
	n := int(math.Round(seconds * audio.PlaybackSampleRate))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.ToTransportText(audio.ToPCM16(samples))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ─── state machine ───────────────────────────────────────────────────────────

func TestStop_IdleIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.conv.Stop(); err != nil {
		t.Fatalf("Stop on idle: %v", err)
	}
	if got := h.conv.State(); got != conversation.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	states, transcripts, ended := h.obs.snapshot()
	if len(states)+len(transcripts)+len(ended) != 0 {
		t.Errorf("observer notified on idle stop: %v %v %v", states, transcripts, ended)
	}
	if h.provider.Calls() != 0 {
		t.Errorf("Connect calls = %d, want 0", h.provider.Calls())
	}
}

func TestStart_Busy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	if err := h.conv.Start(context.Background()); !errors.Is(err, conversation.ErrBusy) {
		t.Fatalf("second Start = %v, want ErrBusy", err)
	}
}

func TestStart_PassesConfig(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	cfg := h.provider.ConnectCalls[0].Cfg
	if cfg.InputSampleRate != 16000 || cfg.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", cfg.InputSampleRate, cfg.OutputSampleRate)
	}
	if cfg.ResponseModality != s2s.ModalityAudio {
		t.Errorf("modality = %q, want AUDIO", cfg.ResponseModality)
	}
	if got := h.in.LastConfig; got.SampleRate != 16000 || got.FramesPerBuffer != 4096 {
		t.Errorf("device config = %+v", got)
	}
}

// ─── scenarios ───────────────────────────────────────────────────────────────

func TestNormalTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	frame := make([]float32, audio.DefaultFrameSize)
	for range 3 {
		h.in.Emit(frame)
	}
	waitFor(t, "3 frames sent", func() bool { return h.sess.SentCount() == 3 })
	for i, c := range h.sess.Sent {
		if c.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("chunk %d mime = %q", i, c.MIMEType)
		}
		if len(c.Data) != 2*audio.DefaultFrameSize {
			t.Errorf("chunk %d len = %d, want %d", i, len(c.Data), 2*audio.DefaultFrameSize)
		}
	}

	h.sess.Push(s2s.Event{Type: s2s.EventAudioChunk, Audio: chunk(0.5)})
	h.sess.Push(s2s.Event{Type: s2s.EventTranscriptFragment, Text: "سلام", Source: s2s.SourceOutput})
	waitFor(t, "caption", func() bool { return h.conv.Transcript() == "سلام" })

	voices := h.out.Voices()
	if len(voices) != 1 {
		t.Fatalf("voices = %d, want 1", len(voices))
	}
	if voices[0].Start != 0 {
		t.Errorf("voice start = %v, want 0", voices[0].Start)
	}
	if voices[0].Frame.SampleRate != 24000 {
		t.Errorf("voice rate = %d, want 24000", voices[0].Frame.SampleRate)
	}

	h.sess.Push(s2s.Event{Type: s2s.EventTurnComplete})
	waitFor(t, "turn reset", func() bool { return h.counter(t, "nexusvoice.turns") == 1 })
	if got := h.conv.Transcript(); got != "" {
		t.Errorf("transcript after turn = %q, want empty", got)
	}
	waitFor(t, "caption cleared", func() bool {
		_, transcripts, _ := h.obs.snapshot()
		return len(transcripts) >= 2
	})
	_, transcripts, _ := h.obs.snapshot()
	if len(transcripts) != 2 || transcripts[0] != "سلام" || transcripts[1] != "" {
		t.Errorf("observed transcripts = %q", transcripts)
	}
	waitFor(t, "frames.sent", func() bool { return h.counter(t, "nexusvoice.frames.sent") == 3 })
}

func TestInputTranscriptionNotBuffered(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	h.sess.Push(s2s.Event{Type: s2s.EventTranscriptFragment, Text: "user words", Source: s2s.SourceInput})
	h.sess.Push(s2s.Event{Type: s2s.EventTranscriptFragment, Text: "model", Source: s2s.SourceOutput})
	waitFor(t, "caption", func() bool { return h.conv.Transcript() != "" })
	if got := h.conv.Transcript(); got != "model" {
		t.Errorf("transcript = %q, want %q", got, "model")
	}
}

func TestInterruptionMidPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	h.sess.Push(s2s.Event{Type: s2s.EventAudioChunk, Audio: chunk(1.0)})
	h.sess.Push(s2s.Event{Type: s2s.EventAudioChunk, Audio: chunk(1.0)})
	waitFor(t, "two voices", func() bool { return len(h.out.Voices()) == 2 })

	voices := h.out.Voices()
	if voices[0].Start != 0 || voices[1].Start != 1 {
		t.Fatalf("starts = %v, %v; want 0, 1", voices[0].Start, voices[1].Start)
	}

	h.out.SetTime(0.5)
	h.sess.Push(s2s.Event{Type: s2s.EventInterrupted})
	waitFor(t, "flush", func() bool { return h.player.Live() == 0 })

	if got := h.conv.State(); got != conversation.StateActive {
		t.Errorf("state after interruption = %v, want active", got)
	}
	if got := h.player.NextStartTime(); got != 0 {
		t.Errorf("next start after flush = %v, want 0", got)
	}
	for i, v := range voices {
		if !v.Stopped() {
			t.Errorf("voice %d not stopped", i)
		}
	}

	h.sess.Push(s2s.Event{Type: s2s.EventAudioChunk, Audio: chunk(1.0)})
	waitFor(t, "third voice", func() bool { return len(h.out.Voices()) == 3 })
	if got := h.out.Voices()[2].Start; got != 0.5 {
		t.Errorf("post-interruption start = %v, want 0.5", got)
	}
	if got := h.counter(t, "nexusvoice.interruptions"); got != 1 {
		t.Errorf("interruptions = %d, want 1", got)
	}
}

func TestMalformedChunkSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	h.sess.Push(s2s.Event{Type: s2s.EventAudioChunk, Audio: audio.ToTransportText([]byte{1, 2, 3})})
	h.sess.Push(s2s.Event{Type: s2s.EventAudioChunk, Audio: "%%not-base64%%"})
	h.sess.Push(s2s.Event{Type: s2s.EventTranscriptFragment, Text: "still here", Source: s2s.SourceOutput})
	waitFor(t, "barrier", func() bool { return h.conv.Transcript() == "still here" })

	if got := h.conv.State(); got != conversation.StateActive {
		t.Errorf("state = %v, want active", got)
	}
	if n := len(h.out.Voices()); n != 0 {
		t.Errorf("voices = %d, want 0", n)
	}
	if got := h.counter(t, "nexusvoice.chunks.malformed"); got != 2 {
		t.Errorf("chunks.malformed = %d, want 2", got)
	}
}

// ─── start failures ──────────────────────────────────────────────────────────

func TestStart_DeviceUnavailableRollsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		block bool
	}{
		{name: "transport opens", block: false},
		{name: "transport pending", block: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.in.OpenErr = errors.New("permission denied")
			if tt.block {
				h.provider.Block = make(chan struct{})
			}

			err := h.conv.Start(context.Background())
			if !errors.Is(err, audio.ErrDeviceUnavailable) {
				t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
			}
			if got := h.conv.State(); got != conversation.StateIdle {
				t.Errorf("state = %v, want idle", got)
			}
			if h.in.IsOpen() {
				t.Error("input device still open")
			}
			if h.provider.Calls() != 1 {
				t.Fatalf("Connect calls = %d, want 1", h.provider.Calls())
			}
			if tt.block {
				if h.provider.ConnectCalls[0].Ctx.Err() == nil {
					t.Error("pending connect was not cancelled")
				}
			} else if h.sess.State() != s2s.StateClosed {
				t.Errorf("transport state = %v, want closed", h.sess.State())
			}
			waitFor(t, "idle notification", func() bool {
				states, _, _ := h.obs.snapshot()
				return len(states) >= 2
			})
			states, _, ended := h.obs.snapshot()
			want := []conversation.State{conversation.StateConnecting, conversation.StateIdle}
			if !equalStates(states, want) {
				t.Errorf("states = %v, want %v", states, want)
			}
			if len(ended) != 0 {
				t.Errorf("OnEnded called for a failed start: %v", ended)
			}
		})
	}
}

func TestStart_DeviceHeldElsewhere(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	other := capture.New(h.in, capture.DefaultConfig())
	if err := other.Start(func(audio.AudioFrame) {}); err != nil {
		t.Fatalf("other Start: %v", err)
	}
	t.Cleanup(func() { _ = other.Stop() })

	if err := h.conv.Start(context.Background()); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}
	if !other.Active() {
		t.Error("rollback released a lease it did not hold")
	}
}

func TestStart_ConnectErrorReleasesCapture(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.provider.ConnectErr = errors.Join(s2s.ErrConnect, errors.New("401 unauthorized"))

	err := h.conv.Start(context.Background())
	if !errors.Is(err, s2s.ErrConnect) {
		t.Fatalf("Start = %v, want ErrConnect", err)
	}
	if h.in.IsOpen() {
		t.Error("input device still open")
	}
	opens, closes := h.in.Calls()
	if opens != closes {
		t.Errorf("opens = %d, closes = %d", opens, closes)
	}

	// The device must be free for a retry.
	h.provider.ConnectErr = nil
	h.start(t)
}

func TestStop_WhileConnecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.provider.Block = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.conv.Start(context.Background()) }()
	<-h.provider.Started()

	if err := h.conv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errc; !errors.Is(err, conversation.ErrStopped) {
		t.Fatalf("Start = %v, want ErrStopped", err)
	}
	if h.in.IsOpen() {
		t.Error("input device still open")
	}
	if got := h.conv.State(); got != conversation.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

// ─── teardown ────────────────────────────────────────────────────────────────

func TestRemoteEnd_TearsDown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		end     func(*s2smock.Session)
		wantErr error
	}{
		{
			name:    "closed",
			end:     func(s *s2smock.Session) { s.RemoteClose("going away") },
			wantErr: s2s.ErrConnectionClosed,
		},
		{
			name:    "error",
			end:     func(s *s2smock.Session) { s.Fail(errors.New("connection reset")) },
			wantErr: s2s.ErrTransport,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.start(t)

			h.sess.Push(s2s.Event{Type: s2s.EventAudioChunk, Audio: chunk(1.0)})
			h.sess.Push(s2s.Event{Type: s2s.EventTranscriptFragment, Text: "half a sen", Source: s2s.SourceOutput})
			waitFor(t, "caption", func() bool { return h.conv.Transcript() != "" })

			done := h.conv.Done()
			tt.end(h.sess)
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("session did not end")
			}

			if got := h.conv.State(); got != conversation.StateIdle {
				t.Errorf("state = %v, want idle", got)
			}
			if h.in.IsOpen() {
				t.Error("input device still open")
			}
			if h.player.Live() != 0 {
				t.Errorf("live voices = %d, want 0", h.player.Live())
			}
			if h.conv.Transcript() != "" {
				t.Errorf("transcript = %q, want empty", h.conv.Transcript())
			}

			waitFor(t, "OnEnded", func() bool {
				_, _, ended := h.obs.snapshot()
				return len(ended) == 1
			})
			states, _, ended := h.obs.snapshot()
			if !errors.Is(ended[0], tt.wantErr) {
				t.Errorf("OnEnded(%v), want %v", ended[0], tt.wantErr)
			}
			want := []conversation.State{
				conversation.StateConnecting,
				conversation.StateActive,
				conversation.StateEnding,
				conversation.StateIdle,
			}
			if !equalStates(states, want) {
				t.Errorf("states = %v, want %v", states, want)
			}
			if err := h.conv.Stop(); err != nil {
				t.Errorf("Stop after remote end: %v", err)
			}
		})
	}
}

func TestStop_ReleasesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	for range 3 {
		if err := h.conv.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if _, closes := h.in.Calls(); closes != 1 {
		t.Errorf("device closes = %d, want 1", closes)
	}
	if n := h.sess.Closes(); n != 1 {
		t.Errorf("transport closes = %d, want 1", n)
	}
	waitFor(t, "OnEnded", func() bool {
		_, _, ended := h.obs.snapshot()
		return len(ended) > 0
	})
	_, _, ended := h.obs.snapshot()
	if len(ended) != 1 || ended[0] != nil {
		t.Errorf("ended = %v, want [nil]", ended)
	}

	// Late device callbacks after teardown are discarded.
	h.in.Emit(make([]float32, audio.DefaultFrameSize))
	if n := h.sess.SentCount(); n != 0 {
		t.Errorf("sent after stop = %d, want 0", n)
	}
}

func TestStop_FromObserver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		arm     func(h *harness, stop func())
		trigger func(h *harness)
	}{
		{
			name: "on active",
			arm: func(h *harness, stop func()) {
				h.obs.onState = func(s conversation.State) {
					if s == conversation.StateActive {
						stop()
					}
				}
			},
			trigger: func(*harness) {},
		},
		{
			name: "on transcript",
			arm: func(h *harness, stop func()) {
				h.obs.onTranscript = func(string) { stop() }
			},
			trigger: func(h *harness) {
				h.sess.Push(s2s.Event{Type: s2s.EventTranscriptFragment, Text: "goodbye", Source: s2s.SourceOutput})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)

			stopped := make(chan error, 1)
			tt.arm(h, func() {
				err := h.conv.Stop()
				select {
				case stopped <- err:
				default:
				}
			})
			h.start(t)
			tt.trigger(h)

			select {
			case err := <-stopped:
				if err != nil {
					t.Fatalf("Stop: %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("Stop from observer did not return; state %v", h.conv.State())
			}
			if got := h.conv.State(); got != conversation.StateIdle {
				t.Errorf("state = %v, want idle", got)
			}
			if h.in.IsOpen() {
				t.Error("input device still open")
			}
			waitFor(t, "OnEnded", func() bool {
				_, _, ended := h.obs.snapshot()
				return len(ended) == 1
			})
			if _, _, ended := h.obs.snapshot(); ended[0] != nil {
				t.Errorf("OnEnded(%v), want nil", ended[0])
			}
		})
	}
}

func TestContextCancelEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.conv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := h.conv.Done()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end on cancel")
	}
	if h.in.IsOpen() {
		t.Error("input device still open")
	}
}

func TestRestartAfterEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)
	h.sess.RemoteClose("bye")
	<-h.conv.Done()

	next := s2smock.NewSession()
	h.provider.Session = next
	h.start(t)

	h.in.Emit(make([]float32, audio.DefaultFrameSize))
	waitFor(t, "frame on new session", func() bool { return next.SentCount() == 1 })
}

func TestReconfigure_AppliesOnNextStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	cfg := h.provider.ConnectCalls[0].Cfg
	cfg.Voice = "Kore"
	h.conv.Reconfigure(cfg)

	h.sess.RemoteClose("bye")
	<-h.conv.Done()
	if got := h.provider.ConnectCalls[0].Cfg.Voice; got == "Kore" {
		t.Fatal("running session must keep its configuration")
	}

	h.provider.Session = s2smock.NewSession()
	h.start(t)
	if got := h.provider.ConnectCalls[1].Cfg.Voice; got != "Kore" {
		t.Errorf("voice on restart = %q, want Kore", got)
	}
}

func equalStates(a, b []conversation.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
