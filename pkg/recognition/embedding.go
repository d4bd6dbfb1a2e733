package recognition

// Embedding is a fixed-length identity vector produced by an extractor.
type Embedding []float32

// IsZero reports whether the embedding is empty or all zeros.
func (e Embedding) IsZero() bool {
	for _, v := range e {
		if v != 0 {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (e Embedding) Clone() Embedding {
	if e == nil {
		return nil
	}
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// Average computes the element-wise mean of embeddings of equal length.
// Embeddings whose length differs from the first one are skipped.
// Useful for enrolling from several photos of the same face.
func Average(embeddings []Embedding) Embedding {
	if len(embeddings) == 0 {
		return nil
	}
	if len(embeddings) == 1 {
		return embeddings[0].Clone()
	}

	dim := len(embeddings[0])
	sum := make([]float64, dim)
	count := 0
	for _, emb := range embeddings {
		if len(emb) != dim {
			continue
		}
		for i, v := range emb {
			sum[i] += float64(v)
		}
		count++
	}

	avg := make(Embedding, dim)
	for i := range sum {
		avg[i] = float32(sum[i] / float64(count))
	}
	return avg
}
