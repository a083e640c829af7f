package util

// Batch splits elements into consecutive batches of batchSize elements. The last batch holds the remainder and
// may be smaller. Element order is preserved and the batches share the backing array of elements.
func Batch[T any](elements []T, batchSize int) [][]T {
	if batchSize <= 0 {
		panic("batchSize must be greater than zero")
	}
	total := len(elements)
	totalBatches := NumBatches(total, batchSize)

	batches := make([][]T, totalBatches)
	for i := 0; i < totalBatches; i++ {
		begin := i * batchSize
		end := begin + batchSize
		if end > total {
			end = total
		}
		batches[i] = elements[begin:end]
	}
	return batches
}

// NumBatches returns ceil(total/batchSize).
func NumBatches(total int, batchSize int) int {
	n := total / batchSize
	if total%batchSize != 0 {
		n++
	}
	return n
}
