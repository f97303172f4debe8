package partition

import (
	"errors"
	"fmt"

	"TupleMR/internal/types"
)

// ErrPartitionCount is returned when fewer than one partition is requested.
var ErrPartitionCount = errors.New("partition count must be at least 1")

// Partitioner re-splits the per-task results of one phase into n inputs for
// the next. Implementations own any locality policy.
type Partitioner interface {
	Partition(results []any, n int) ([][]any, error)
}

// PartitionerFunc adapts a plain function to Partitioner.
type PartitionerFunc func(results []any, n int) ([][]any, error)

func (f PartitionerFunc) Partition(results []any, n int) ([][]any, error) {
	return f(results, n)
}

// Simple splits data into exactly n partitions, each element landing in one.
//
// When data holds at least two items per partition it is cut into contiguous
// blocks of ceil(len/n) and the last partition keeps the remainder, which may
// be empty. Otherwise items are dealt round-robin so sizes differ by at most one.
func Simple[T any](data []T, n int) [][]T {
	if n < 1 {
		return nil
	}
	parts := make([][]T, n)

	if len(data) >= 2*n {
		size := len(data) / n
		if len(data)%n != 0 {
			size++
		}
		for i := range parts {
			start := min(i*size, len(data))
			end := min(start+size, len(data))
			parts[i] = data[start:end:end]
		}
		return parts
	}

	for i := range parts {
		parts[i] = make([]T, 0, len(data)/n+1)
	}
	for i, item := range data {
		parts[i%n] = append(parts[i%n], item)
	}
	return parts
}

// Flatten concatenates results in order, each result being a sequence.
func Flatten(results []any) ([]any, error) {
	var data []any
	for i, r := range results {
		items, err := types.Items(r)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		data = append(data, items...)
	}
	return data, nil
}

// RecombineAndSplit flattens every partition and splits again with Simple.
// It suits phases with no locality constraint.
var RecombineAndSplit = PartitionerFunc(func(results []any, n int) ([][]any, error) {
	if n < 1 {
		return nil, ErrPartitionCount
	}
	data, err := Flatten(results)
	if err != nil {
		return nil, fmt.Errorf("failed to recombine: %w", err)
	}
	return Simple(data, n), nil
})

// ByFirstField routes each record by the byte sum of its first field, so
// records sharing a key always share a partition.
var ByFirstField = PartitionerFunc(func(results []any, n int) ([][]any, error) {
	if n < 1 {
		return nil, ErrPartitionCount
	}
	parts := make([][]any, n)
	for i := range parts {
		parts[i] = []any{}
	}

	for i, r := range results {
		records, err := types.Items(r)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		for _, rec := range records {
			key, ok := types.FirstField(rec)
			if !ok {
				return nil, fmt.Errorf("result %d: record %v has no string key", i, rec)
			}
			idx := KeySum(key) % n
			parts[idx] = append(parts[idx], rec)
		}
	}
	return parts, nil
})

// KeySum is the sum of the key's byte values. Anagrams collide; identical
// keys always agree, which is all colocation needs.
func KeySum(key string) int {
	sum := 0
	for i := 0; i < len(key); i++ {
		sum += int(key[i])
	}
	return sum
}
