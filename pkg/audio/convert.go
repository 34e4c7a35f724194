package audio

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If either rate is non-positive or the rates are equal, the
// input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Resample returns f converted to dstRate. The timestamp is preserved.
func Resample(f AudioFrame, dstRate int) AudioFrame {
	if f.SampleRate == dstRate {
		return f
	}
	return AudioFrame{
		Samples:    ResampleMono(f.Samples, f.SampleRate, dstRate),
		SampleRate: dstRate,
		Timestamp:  f.Timestamp,
	}
}

// Resampler converts a mono stream delivered in blocks of arbitrary size.
// Unlike [ResampleMono], it carries the interpolation phase and the last
// input sample across calls, so block boundaries neither drop fractional
// samples nor restart the interpolation. The zero value is unusable; use
// [NewResampler]. A Resampler is not safe for concurrent use.
type Resampler struct {
	src, dst int64

	// phase is the position of the next output sample relative to the start
	// of the next block, in units of 1/dst input samples. It lies in
	// (-dst, 0] between blocks, where negative means between prev and the
	// first sample of the next block.
	phase int64
	prev  float32
}

// NewResampler returns a Resampler from srcRate to dstRate. Non-positive
// rates are treated as equal rates and pass samples through.
func NewResampler(srcRate, dstRate int) *Resampler {
	if srcRate <= 0 || dstRate <= 0 {
		srcRate, dstRate = 1, 1
	}
	return &Resampler{src: int64(srcRate), dst: int64(dstRate)}
}

// Process resamples the next block of the stream. The returned slice is
// freshly allocated unless the rates are equal, in which case block itself
// is returned.
func (r *Resampler) Process(block []float32) []float32 {
	if r.src == r.dst || len(block) == 0 {
		return block
	}
	n := int64(len(block))
	last := (n - 1) * r.dst
	out := make([]float32, 0, n*r.dst/r.src+1)
	for ; r.phase <= last; r.phase += r.src {
		var s0, s1 float32
		var rem int64
		if r.phase < 0 {
			s0, s1 = r.prev, block[0]
			rem = r.phase + r.dst
		} else {
			idx := r.phase / r.dst
			rem = r.phase % r.dst
			s0 = block[idx]
			s1 = s0
			if rem > 0 {
				s1 = block[idx+1]
			}
		}
		frac := float32(rem) / float32(r.dst)
		out = append(out, s0+(s1-s0)*frac)
	}
	r.phase -= n * r.dst
	r.prev = block[n-1]
	return out
}

// Reset forgets the stream position so the next block starts a new stream.
func (r *Resampler) Reset() {
	r.phase = 0
	r.prev = 0
}
