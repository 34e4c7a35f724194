package audio_test

import (
	"testing"

	"github.com/MrWong99/nexusvoice/pkg/audio"
)

func TestResampleMono_SameRate(t *testing.T) {
	t.Parallel()

	in := []float32{0.1, 0.2, 0.3}
	out := audio.ResampleMono(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Error("expected the input slice to be returned unchanged")
	}
}

func TestResampleMono_Downsample(t *testing.T) {
	t.Parallel()

	in := make([]float32, 4800)
	for i := range in {
		in[i] = 0.25
	}
	out := audio.ResampleMono(in, 48000, 16000)
	if len(out) != 1600 {
		t.Fatalf("len = %d, want 1600", len(out))
	}
	for i, s := range out {
		if s != 0.25 {
			t.Fatalf("sample %d = %v, want 0.25", i, s)
		}
	}
}

func TestResampleMono_Upsample(t *testing.T) {
	t.Parallel()

	out := audio.ResampleMono([]float32{0, 1}, 8000, 16000)
	want := []float32{0, 0.5, 1, 1}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestResampleMono_InvalidRate(t *testing.T) {
	t.Parallel()

	in := []float32{1, 2}
	if out := audio.ResampleMono(in, 0, 16000); len(out) != 2 {
		t.Errorf("len = %d, want 2", len(out))
	}
}

func TestResample_Frame(t *testing.T) {
	t.Parallel()

	f := audio.AudioFrame{Samples: make([]float32, 441), SampleRate: 44100}
	got := audio.Resample(f, 16000)
	if got.SampleRate != 16000 || len(got.Samples) != 160 {
		t.Errorf("got rate %d len %d, want 16000/160", got.SampleRate, len(got.Samples))
	}
}

func TestResampler_StreamLength(t *testing.T) {
	t.Parallel()

	// 60 s at 44.1 kHz in 512-sample blocks must yield 60 s at 16 kHz.
	r := audio.NewResampler(44100, 16000)
	block := make([]float32, 512)
	total := 0
	remaining := 60 * 44100
	for remaining > 0 {
		n := min(len(block), remaining)
		total += len(r.Process(block[:n]))
		remaining -= n
	}
	if total != 960000 {
		t.Errorf("output samples = %d, want 960000", total)
	}
}

func TestResampler_MatchesSingleBlock(t *testing.T) {
	t.Parallel()

	in := make([]float32, 1000)
	for i := range in {
		in[i] = float32(i%37) / 37
	}
	whole := audio.NewResampler(48000, 16000).Process(in)

	r := audio.NewResampler(48000, 16000)
	var split []float32
	for _, size := range []int{1, 7, 300, 2, 690} {
		split = append(split, r.Process(in[:size])...)
		in = in[size:]
	}
	if len(split) != len(whole) {
		t.Fatalf("split len = %d, whole len = %d", len(split), len(whole))
	}
	for i := range whole {
		if split[i] != whole[i] {
			t.Fatalf("sample %d: split %v, whole %v", i, split[i], whole[i])
		}
	}
}

func TestResampler_Upsample(t *testing.T) {
	t.Parallel()

	r := audio.NewResampler(8000, 16000)
	got := append(r.Process([]float32{0}), r.Process([]float32{1})...)
	want := []float32{0, 0.5, 1}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}

	r.Reset()
	if out := r.Process([]float32{0.25}); len(out) != 1 || out[0] != 0.25 {
		t.Errorf("after Reset = %v, want [0.25]", out)
	}
}

func TestResampler_SameRatePassesThrough(t *testing.T) {
	t.Parallel()

	in := []float32{0.1, 0.2}
	if out := audio.NewResampler(16000, 16000).Process(in); &out[0] != &in[0] {
		t.Error("expected the input slice to be returned unchanged")
	}
}

func TestAudioFrameDuration(t *testing.T) {
	t.Parallel()

	f := audio.AudioFrame{Samples: make([]float32, 12000), SampleRate: 24000}
	if f.Seconds() != 0.5 {
		t.Errorf("Seconds = %v, want 0.5", f.Seconds())
	}
	if (audio.AudioFrame{Samples: make([]float32, 10)}).Duration() != 0 {
		t.Error("frame without rate should have zero duration")
	}
}
