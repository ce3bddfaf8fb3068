package audio

// Resample converts samples between rates by linear interpolation.
// Adequate for speech; the pipeline runs at SampleRate and ingest
// devices commonly deliver 44.1k or 48k.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	newLen := int(float64(len(samples)) / ratio)
	if newLen == 0 {
		return nil
	}

	out := make([]float32, newLen)
	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(srcPos - float64(srcIdx))
		out[i] = samples[srcIdx] + frac*(samples[srcIdx+1]-samples[srcIdx])
	}
	return out
}
