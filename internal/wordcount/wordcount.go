package wordcount

import (
	"fmt"
	"regexp"

	"TupleMR/internal/coordinator"
	"TupleMR/internal/mapreduce"
	"TupleMR/internal/partition"
	"TupleMR/internal/tuplespace"
	"TupleMR/internal/types"
)

const (
	MapName    = "wordcount.map"
	ReduceName = "wordcount.reduce"
)

var wordRe = regexp.MustCompile(`\w+`)

// Map emits (word, 1) for every word of every line.
func Map(lines []any) (any, error) {
	var out []types.KeyValue
	for _, item := range lines {
		line, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("wordcount: expected text line, got %T", item)
		}
		for _, w := range wordRe.FindAllString(line, -1) {
			out = append(out, types.KeyValue{Key: w, Value: 1})
		}
	}
	return out, nil
}

// Reduce sums the counts of each word it is given.
func Reduce(pairs []any) (any, error) {
	counts := make(map[string]int)
	for _, item := range pairs {
		kv, ok := types.AsKeyValue(item)
		if !ok {
			return nil, fmt.Errorf("wordcount: malformed pair %v", item)
		}
		n, ok := types.AsInt(kv.Value)
		if !ok {
			return nil, fmt.Errorf("wordcount: count for %q is %T", kv.Key, kv.Value)
		}
		counts[kv.Key] += n
	}
	return counts, nil
}

func Register(reg *mapreduce.Registry) {
	reg.Register(MapName, types.TransformFunc(Map))
	reg.Register(ReduceName, types.TransformFunc(Reduce))
}

// NewJob builds a word count over lines, keeping each word in one reduce task.
func NewJob(queue tuplespace.Queue, lines []string, mapTasks, reduceTasks int) *coordinator.Job {
	job := coordinator.NewJob(queue, mapTasks, reduceTasks)
	job.Data = make([]any, len(lines))
	for i, l := range lines {
		job.Data[i] = l
	}
	job.Map = types.Named(MapName, types.TransformFunc(Map))
	job.Reduce = types.Named(ReduceName, types.TransformFunc(Reduce))
	job.Partition = partition.ByFirstField
	return job
}

// Merge unions the per-reduce-task counts into one table.
func Merge(results []any) (map[string]int, error) {
	counts := make(map[string]int)
	for i, r := range results {
		switch m := r.(type) {
		case map[string]int:
			for k, v := range m {
				counts[k] += v
			}
		case map[string]any:
			for k, v := range m {
				n, ok := types.AsInt(v)
				if !ok {
					return nil, fmt.Errorf("result %d: count for %q is %T", i, k, v)
				}
				counts[k] += n
			}
		case nil:
		default:
			return nil, fmt.Errorf("result %d: unexpected type %T", i, r)
		}
	}
	return counts, nil
}
