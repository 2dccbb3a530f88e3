// Sample-rate conversion helpers.
package audio

import "math"

// ResampleInPlace converts samples between rates using linear interpolation.
// This is lightweight and sufficient for voice where audiophile quality is
// not required. For downsampling the capture path uses the polyphase
// resampler instead to avoid aliasing.
func ResampleInPlace(input []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(input) == 0 {
		return input
	}

	ratio := float64(toRate) / float64(fromRate)
	inputLen := len(input)
	outputLen := int(float64(inputLen) * ratio)
	output := make([]float32, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) / ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		var sample1 float32
		if srcIdx < inputLen {
			sample1 = input[srcIdx]
		} else {
			sample1 = input[inputLen-1]
		}

		sample2 := sample1
		if srcIdx+1 < inputLen {
			sample2 = input[srcIdx+1]
		}

		output[i] = sample1 + (sample2-sample1)*frac
	}

	return output
}

// PolyphaseResampler implements a polyphase filter for high-quality
// downsampling (e.g., 48kHz device rate -> 16kHz capture rate). A 64-tap
// sinc filter with Hamming window prevents aliasing artifacts.
type PolyphaseResampler struct {
	fromRate   int
	toRate     int
	ratio      float64
	filterLen  int
	filter     []float32 // Low-pass filter coefficients
	history    []float32 // Sample history for filter continuity across chunks
	lastSample float32
}

// NewPolyphaseResampler creates a resampler with an anti-aliasing filter.
// Filter cutoff is set to the output Nyquist frequency when downsampling.
func NewPolyphaseResampler(fromRate, toRate int) *PolyphaseResampler {
	ratio := float64(toRate) / float64(fromRate)
	filterLen := 64

	cutoff := 0.5
	if ratio < 1.0 {
		cutoff = ratio * 0.5
	}

	filter := make([]float32, filterLen)
	for i := 0; i < filterLen; i++ {
		n := float64(i) - float64(filterLen-1)/2.0
		if n == 0 {
			filter[i] = float32(2.0 * cutoff)
		} else {
			sinc := math.Sin(2.0*math.Pi*cutoff*n) / (math.Pi * n)
			window := 0.54 - 0.46*math.Cos(2.0*math.Pi*float64(i)/float64(filterLen-1))
			filter[i] = float32(sinc * window)
		}
	}

	// Normalize coefficients for unity gain
	sum := float32(0.0)
	for _, f := range filter {
		sum += f
	}
	for i := range filter {
		filter[i] /= sum
	}

	return &PolyphaseResampler{
		fromRate:  fromRate,
		toRate:    toRate,
		ratio:     ratio,
		filterLen: filterLen,
		filter:    filter,
		history:   make([]float32, filterLen),
	}
}

// Resample converts audio samples using polyphase filtering when
// downsampling, falling back to linear interpolation for upsampling.
func (r *PolyphaseResampler) Resample(input []float32) []float32 {
	if r.ratio == 1.0 || len(input) == 0 {
		return input
	}
	if r.ratio > 1.0 {
		return r.upsample(input)
	}
	return r.downsample(input)
}

func (r *PolyphaseResampler) upsample(input []float32) []float32 {
	inputLen := len(input)
	outputLen := int(float64(inputLen) * r.ratio)
	output := make([]float32, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) / r.ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		sample1 := r.lastSample
		if srcIdx < inputLen {
			sample1 = input[srcIdx]
		}

		sample2 := sample1
		if srcIdx+1 < inputLen {
			sample2 = input[srcIdx+1]
		} else if srcIdx < inputLen {
			sample2 = input[inputLen-1]
		}

		output[i] = sample1 + (sample2-sample1)*frac
	}

	if inputLen > 0 {
		r.lastSample = input[inputLen-1]
	}

	return output
}

func (r *PolyphaseResampler) downsample(input []float32) []float32 {
	inputLen := len(input)
	outputLen := int(float64(inputLen) * r.ratio)
	output := make([]float32, outputLen)

	// Combine history with new input so the filter spans chunk boundaries
	combined := append(r.history, input...)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) / r.ratio
		srcIdx := int(srcPos) + len(r.history)

		sample := float32(0.0)
		for j := 0; j < r.filterLen; j++ {
			idx := srcIdx - r.filterLen/2 + j
			if idx >= 0 && idx < len(combined) {
				sample += combined[idx] * r.filter[j]
			}
		}
		output[i] = sample
	}

	// Keep the last filterLen samples for the next chunk
	if inputLen >= r.filterLen {
		copy(r.history, input[inputLen-r.filterLen:])
	} else {
		shift := r.filterLen - inputLen
		copy(r.history, r.history[inputLen:])
		copy(r.history[shift:], input)
	}

	return output
}
