package invindex

import (
	"fmt"
	"regexp"
	"sort"

	"TupleMR/internal/coordinator"
	"TupleMR/internal/mapreduce"
	"TupleMR/internal/partition"
	"TupleMR/internal/tuplespace"
	"TupleMR/internal/types"
)

const (
	MapName    = "invindex.map"
	ReduceName = "invindex.reduce"
)

var wordRe = regexp.MustCompile(`\w+`)

// Document is a named body of text.
type Document struct {
	Name string
	Text string
}

// Map emits (word, document) for every word of every document.
func Map(docs []any) (any, error) {
	var out []types.KeyValue
	for _, item := range docs {
		doc, ok := types.AsKeyValue(item)
		if !ok {
			return nil, fmt.Errorf("invindex: malformed document %v", item)
		}
		text, ok := doc.Value.(string)
		if !ok {
			return nil, fmt.Errorf("invindex: document %q has %T body", doc.Key, doc.Value)
		}
		for _, w := range wordRe.FindAllString(text, -1) {
			out = append(out, types.KeyValue{Key: w, Value: doc.Key})
		}
	}
	return out, nil
}

// Reduce groups (word, document) pairs into word -> sorted unique documents.
func Reduce(pairs []any) (any, error) {
	sets := make(map[string]map[string]struct{})
	for _, item := range pairs {
		kv, ok := types.AsKeyValue(item)
		if !ok {
			return nil, fmt.Errorf("invindex: malformed pair %v", item)
		}
		doc, ok := kv.Value.(string)
		if !ok {
			return nil, fmt.Errorf("invindex: document for %q is %T", kv.Key, kv.Value)
		}
		if sets[kv.Key] == nil {
			sets[kv.Key] = make(map[string]struct{})
		}
		sets[kv.Key][doc] = struct{}{}
	}

	index := make(map[string][]string, len(sets))
	for word, set := range sets {
		index[word] = sortedKeys(set)
	}
	return index, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func Register(reg *mapreduce.Registry) {
	reg.Register(MapName, types.TransformFunc(Map))
	reg.Register(ReduceName, types.TransformFunc(Reduce))
}

// NewJob builds an inverted index over docs.
func NewJob(queue tuplespace.Queue, docs []Document, mapTasks, reduceTasks int) *coordinator.Job {
	job := coordinator.NewJob(queue, mapTasks, reduceTasks)
	job.Data = make([]any, len(docs))
	for i, d := range docs {
		job.Data[i] = types.KeyValue{Key: d.Name, Value: d.Text}
	}
	job.Map = types.Named(MapName, types.TransformFunc(Map))
	job.Reduce = types.Named(ReduceName, types.TransformFunc(Reduce))
	job.Partition = partition.ByFirstField
	return job
}

// Merge unions the per-reduce-task indexes.
func Merge(results []any) (map[string][]string, error) {
	sets := make(map[string]map[string]struct{})
	add := func(word, doc string) {
		if sets[word] == nil {
			sets[word] = make(map[string]struct{})
		}
		sets[word][doc] = struct{}{}
	}

	for i, r := range results {
		switch m := r.(type) {
		case map[string][]string:
			for word, docs := range m {
				for _, d := range docs {
					add(word, d)
				}
			}
		case map[string]any:
			for word, v := range m {
				docs, err := types.Items(v)
				if err != nil {
					return nil, fmt.Errorf("result %d: documents for %q: %w", i, word, err)
				}
				for _, d := range docs {
					s, ok := d.(string)
					if !ok {
						return nil, fmt.Errorf("result %d: document for %q is %T", i, word, d)
					}
					add(word, s)
				}
			}
		case nil:
		default:
			return nil, fmt.Errorf("result %d: unexpected type %T", i, r)
		}
	}

	index := make(map[string][]string, len(sets))
	for word, set := range sets {
		index[word] = sortedKeys(set)
	}
	return index, nil
}
