package detector

// baseline is a fixed-size ring of trailing volume samples with running
// sum and sum-of-squares, so mean and variance are O(1) per update.
type baseline struct {
	samples []float64
	head    int
	count   int
	sum     float64
	sumsq   float64
}

func newBaseline(size int) *baseline {
	return &baseline{samples: make([]float64, size)}
}

func (b *baseline) Add(v float64) {
	if b.count == len(b.samples) {
		old := b.samples[b.head]
		b.sum -= old
		b.sumsq -= old * old
	} else {
		b.count++
	}
	b.samples[b.head] = v
	b.sum += v
	b.sumsq += v * v
	b.head = (b.head + 1) % len(b.samples)
}

func (b *baseline) Count() int { return b.count }

func (b *baseline) Mean() float64 {
	if b.count == 0 {
		return 0
	}
	return b.sum / float64(b.count)
}

func (b *baseline) Variance() float64 {
	if b.count == 0 {
		return 0
	}
	mean := b.Mean()
	v := b.sumsq/float64(b.count) - mean*mean
	if v < 0 { // float drift
		return 0
	}
	return v
}
