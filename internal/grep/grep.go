package grep

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"TupleMR/internal/coordinator"
	"TupleMR/internal/logger"
	"TupleMR/internal/mapreduce"
	"TupleMR/internal/partition"
	"TupleMR/internal/tuplespace"
	"TupleMR/internal/types"
)

const (
	MapName    = "grep.map"
	ReduceName = "grep.reduce"
)

// Map reads each (pattern, file) input and emits (line, file) for every
// matching line.
func Map(inputs []any) (any, error) {
	var results []types.KeyValue
	compiled := make(map[string]*regexp.Regexp)

	for _, item := range inputs {
		in, ok := types.AsKeyValue(item)
		if !ok {
			return nil, fmt.Errorf("grep: malformed input %v", item)
		}
		filename, ok := in.Value.(string)
		if !ok {
			return nil, fmt.Errorf("grep: file name is %T", in.Value)
		}

		re, ok := compiled[in.Key]
		if !ok {
			var err error
			re, err = regexp.Compile(in.Key)
			if err != nil {
				return nil, fmt.Errorf("invalid regex pattern: %w", err)
			}
			compiled[in.Key] = re
		}

		matches, err := matchFile(re, filename)
		if err != nil {
			return nil, err
		}
		results = append(results, matches...)
	}

	return results, nil
}

func matchFile(re *regexp.Regexp, filename string) ([]types.KeyValue, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	var results []types.KeyValue
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if re.MatchString(line) {
			results = append(results, types.KeyValue{Key: line, Value: filename})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error on file %s: %w", filename, err)
	}
	return results, nil
}

// Reduce combines all occurrences of each matched line into
// "line -> [file1, file2]".
func Reduce(pairs []any) (any, error) {
	grouped := make(map[string][]string)
	for _, item := range pairs {
		kv, ok := types.AsKeyValue(item)
		if !ok {
			return nil, fmt.Errorf("grep: malformed match %v", item)
		}
		file, ok := kv.Value.(string)
		if !ok {
			return nil, fmt.Errorf("grep: match %q has non-string location %v", kv.Key, kv.Value)
		}
		grouped[kv.Key] = append(grouped[kv.Key], file)
	}

	out := make(map[string]string, len(grouped))
	for line, files := range grouped {
		sort.Strings(files)
		out[line] = fmt.Sprintf("%s -> [%s]", line, strings.Join(files, ", "))
	}
	return out, nil
}

func Register(reg *mapreduce.Registry) {
	reg.Register(MapName, types.TransformFunc(Map))
	reg.Register(ReduceName, types.TransformFunc(Reduce))
}

// CollectFiles expands paths, walking directories recursively.
func CollectFiles(paths []string) ([]string, error) {
	var files []string

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		err = filepath.Walk(path, func(p string, f os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if f.Mode().IsRegular() {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", path, err)
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no files found in the given paths")
	}
	return files, nil
}

// NewJob builds a grep job for pattern over files. The pattern rides along
// with every input so remote workers need no extra configuration.
func NewJob(queue tuplespace.Queue, pattern string, files []string, mapTasks, reduceTasks int) (*coordinator.Job, error) {
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}

	job := coordinator.NewJob(queue, mapTasks, reduceTasks)
	job.Data = make([]any, len(files))
	for i, f := range files {
		job.Data[i] = types.KeyValue{Key: pattern, Value: f}
	}
	job.Map = types.Named(MapName, types.TransformFunc(Map))
	job.Reduce = types.Named(ReduceName, types.TransformFunc(Reduce))
	job.Partition = partition.ByFirstField
	return job, nil
}

// Search runs a distributed grep over paths and returns line -> locations.
// Each configure func is applied to the job before it runs.
func Search(ctx context.Context, queue tuplespace.Queue, lg *logger.Logger, pattern string, paths []string, mapTasks, reduceTasks int, configure ...func(*coordinator.Job)) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files or directories provided")
	}

	files, err := CollectFiles(paths)
	if err != nil {
		return nil, err
	}
	if mapTasks > len(files) {
		mapTasks = len(files)
	}

	job, err := NewJob(queue, pattern, files, mapTasks, reduceTasks)
	if err != nil {
		return nil, err
	}
	if lg != nil {
		job.SetLogger(lg)
	}
	for _, fn := range configure {
		fn(job)
	}

	results, err := job.Run(ctx)
	if err != nil {
		return nil, err
	}
	return Merge(results)
}

// Merge unions the per-reduce-task outputs.
func Merge(results []any) (map[string]string, error) {
	out := make(map[string]string)
	for i, r := range results {
		switch m := r.(type) {
		case map[string]string:
			for k, v := range m {
				out[k] = v
			}
		case map[string]any:
			for k, v := range m {
				s, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("result %d: value for %q is %T", i, k, v)
				}
				out[k] = s
			}
		case nil:
		default:
			return nil, fmt.Errorf("result %d: unexpected type %T", i, r)
		}
	}
	return out, nil
}

// PrintResults prints the grep results to stdout in line order.
func PrintResults(results map[string]string) {
	if len(results) == 0 {
		fmt.Println("No matches found")
		return
	}

	lines := make([]string, 0, len(results))
	for line := range results {
		lines = append(lines, line)
	}
	sort.Strings(lines)

	for _, line := range lines {
		fmt.Println(results[line])
	}
}
