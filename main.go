package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"TupleMR/internal/coordinator"
	"TupleMR/internal/discovery"
	"TupleMR/internal/grep"
	httpserver "TupleMR/internal/http"
	"TupleMR/internal/invindex"
	"TupleMR/internal/logger"
	"TupleMR/internal/mapreduce"
	"TupleMR/internal/raft"
	"TupleMR/internal/tuplespace"
	"TupleMR/internal/wordcount"
	"TupleMR/internal/worker"
)

type options struct {
	mode        string
	nodeID      string
	bindAddr    string
	raftPort    int
	httpPort    int
	gossipPort  int
	dataDir     string
	peers       string
	join        string
	queueAddr   string
	workers     int
	app         string
	pattern     string
	mapTasks    int
	reduceTasks int
	timeout     time.Duration
	logLevel    string
}

func main() {
	var opts options
	flag.StringVar(&opts.mode, "mode", "local", "Mode: 'queue', 'worker', 'job' or 'local'")
	flag.StringVar(&opts.nodeID, "id", "", "Node ID (default: generated)")
	flag.StringVar(&opts.bindAddr, "bind", "127.0.0.1", "Address to bind all listeners to")
	flag.IntVar(&opts.raftPort, "raft-port", 9001, "Raft transport port (queue mode)")
	flag.IntVar(&opts.httpPort, "http-port", 8081, "Tuple space HTTP port (queue mode)")
	flag.IntVar(&opts.gossipPort, "gossip-port", 7946, "Memberlist gossip port")
	flag.StringVar(&opts.dataDir, "data", "", "Raft data directory (default: /tmp/tuplemr-<id>)")
	flag.StringVar(&opts.peers, "peers", "", "Comma-separated initial Raft voters as id@host:port")
	flag.StringVar(&opts.join, "join", "", "Comma-separated gossip addresses to join")
	flag.StringVar(&opts.queueAddr, "queue", "", "Tuple space HTTP address, skipping discovery")
	flag.IntVar(&opts.workers, "workers", 4, "Worker goroutines (worker and local modes)")
	flag.StringVar(&opts.app, "app", "wordcount", "Application: 'wordcount', 'index' or 'grep'")
	flag.StringVar(&opts.pattern, "pattern", "", "Regular expression (grep app)")
	flag.IntVar(&opts.mapTasks, "map-tasks", 10, "Number of map tasks")
	flag.IntVar(&opts.reduceTasks, "reduce-tasks", 2, "Number of reduce tasks")
	flag.DurationVar(&opts.timeout, "task-timeout", 0, "Per-task result timeout, 0 waits forever")
	flag.StringVar(&opts.logLevel, "log-level", "INFO", "Log level: DEBUG, INFO, WARN or ERROR")
	flag.Parse()

	lg := logger.New(opts.logLevel)
	if opts.nodeID == "" {
		opts.nodeID = opts.mode + "-" + uuid.New().String()[:8]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch opts.mode {
	case "queue":
		err = runQueue(ctx, opts, lg)
	case "worker":
		err = runWorkers(ctx, opts, lg)
	case "job":
		err = runJob(ctx, opts, lg)
	case "local":
		err = runLocal(ctx, opts, lg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", opts.mode)
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("%s failed: %v", opts.mode, err)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runQueue serves a Raft-replicated tuple space over HTTP and advertises it
// through gossip.
func runQueue(ctx context.Context, opts options, lg *logger.Logger) error {
	dataDir := opts.dataDir
	if dataDir == "" {
		dataDir = "/tmp/tuplemr-" + opts.nodeID
	}

	// A node that gossips into an existing cluster without a fixed voter list
	// waits for the leader to add it instead of bootstrapping on its own.
	joining := opts.peers == "" && opts.join != ""

	cluster, err := raft.NewCluster(raft.Config{
		NodeID:   opts.nodeID,
		BindAddr: opts.bindAddr,
		BindPort: opts.raftPort,
		DataDir:  dataDir,
		Peers:    splitList(opts.peers),
		Join:     joining,
		Logger:   lg,
	})
	if err != nil {
		return fmt.Errorf("failed to create raft cluster: %w", err)
	}
	defer cluster.Close()

	httpAddr := net.JoinHostPort(opts.bindAddr, strconv.Itoa(opts.httpPort))
	nd, err := discovery.NewNodeDiscovery(discovery.Config{
		NodeID:       opts.nodeID,
		LocalAddress: opts.bindAddr,
		LocalPort:    opts.gossipPort,
		JoinAddrs:    splitList(opts.join),
		Role:         discovery.RoleTupleSpace,
		RaftAddr:     net.JoinHostPort(opts.bindAddr, strconv.Itoa(opts.raftPort)),
		Logger:       lg,
	})
	if err != nil {
		return err
	}
	defer nd.Shutdown()

	go cluster.FollowMembership(ctx, nd, httpAddr)

	lg.Info("[%s] Waiting for leader election... joining=%v", opts.nodeID, joining)
	electCtx, electCancel := context.WithTimeout(ctx, 30*time.Second)
	err = cluster.WaitForLeader(electCtx)
	electCancel()
	if err != nil {
		return err
	}

	server := httpserver.NewServer(httpserver.ServerOpts{ID: opts.nodeID, Addr: httpAddr, Logger: lg}, cluster)

	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	lg.Info("[%s] Tuple space ready: http=%s raft=%s:%d gossip=%s:%d leader=%s",
		opts.nodeID, httpAddr, opts.bindAddr, opts.raftPort, opts.bindAddr, opts.gossipPort, cluster.GetLeader())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	nd.Leave(time.Second)
	return server.Shutdown(shutdownCtx)
}

// connect returns a queue client, found through gossip unless -queue is set.
func connect(ctx context.Context, opts options, role string, lg *logger.Logger) (tuplespace.Queue, func(), error) {
	if opts.queueAddr != "" {
		return httpserver.NewClient(httpserver.ClientOpts{BaseURL: opts.queueAddr}), func() {}, nil
	}

	nd, err := discovery.NewNodeDiscovery(discovery.Config{
		NodeID:       opts.nodeID,
		LocalAddress: opts.bindAddr,
		LocalPort:    opts.gossipPort,
		JoinAddrs:    splitList(opts.join),
		Role:         role,
		Logger:       lg,
	})
	if err != nil {
		return nil, nil, err
	}

	findCtx, findCancel := context.WithTimeout(ctx, 30*time.Second)
	defer findCancel()
	addr, err := nd.WaitForService(findCtx, discovery.RoleTupleSpace)
	if err != nil {
		nd.Shutdown()
		return nil, nil, err
	}
	lg.Info("Tuple space discovered: addr=%s", addr)

	closeFn := func() {
		nd.Leave(time.Second)
		nd.Shutdown()
	}
	return httpserver.NewClient(httpserver.ClientOpts{BaseURL: addr}), closeFn, nil
}

func newRegistry() *mapreduce.Registry {
	reg := mapreduce.NewRegistry()
	wordcount.Register(reg)
	invindex.Register(reg)
	grep.Register(reg)
	return reg
}

func startWorkers(ctx context.Context, queue tuplespace.Queue, n int, id string, lg *logger.Logger) *sync.WaitGroup {
	reg := newRegistry()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		w := worker.New(queue, worker.Config{
			ID:       fmt.Sprintf("%s-%d", id, i),
			Logger:   lg,
			Registry: reg,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
			st := w.Stats()
			lg.Info("Worker stopped: worker_id=%s completed=%d failed=%d", w.ID(), st.Completed, st.Failed)
		}()
	}
	return &wg
}

func runWorkers(ctx context.Context, opts options, lg *logger.Logger) error {
	queue, closeFn, err := connect(ctx, opts, discovery.RoleWorker, lg)
	if err != nil {
		return err
	}
	defer closeFn()

	startWorkers(ctx, queue, opts.workers, opts.nodeID, lg).Wait()
	return ctx.Err()
}

func runJob(ctx context.Context, opts options, lg *logger.Logger) error {
	queue, closeFn, err := connect(ctx, opts, discovery.RoleClient, lg)
	if err != nil {
		return err
	}
	defer closeFn()

	return runApp(ctx, queue, opts, lg)
}

// runLocal runs an application against an in-process tuple space.
func runLocal(ctx context.Context, opts options, lg *logger.Logger) error {
	space := tuplespace.NewSpace(lg)

	wctx, stop := context.WithCancel(ctx)
	wg := startWorkers(wctx, space, opts.workers, opts.nodeID, lg)
	defer func() {
		stop()
		wg.Wait()
	}()

	return runApp(ctx, space, opts, lg)
}

func runApp(ctx context.Context, queue tuplespace.Queue, opts options, lg *logger.Logger) error {
	paths := flag.Args()
	if len(paths) == 0 {
		return fmt.Errorf("no input files given")
	}

	configure := func(job *coordinator.Job) {
		job.SetLogger(lg)
		job.SetTakeTimeout(opts.timeout)
		lg.Info("Running app: app=%s map_tasks=%d reduce_tasks=%d task_timeout=%s",
			opts.app, job.MapTasks(), job.ReduceTasks(), opts.timeout)
	}

	switch opts.app {
	case "wordcount":
		lines, err := readLines(paths)
		if err != nil {
			return err
		}
		job := wordcount.NewJob(queue, lines, opts.mapTasks, opts.reduceTasks)
		configure(job)
		results, err := job.Run(ctx)
		if err != nil {
			return err
		}
		counts, err := wordcount.Merge(results)
		if err != nil {
			return err
		}
		words := make([]string, 0, len(counts))
		for w := range counts {
			words = append(words, w)
		}
		sort.Slice(words, func(i, j int) bool {
			if counts[words[i]] != counts[words[j]] {
				return counts[words[i]] > counts[words[j]]
			}
			return words[i] < words[j]
		})
		for _, w := range words {
			fmt.Printf("%s\t%d\n", w, counts[w])
		}

	case "index":
		docs := make([]invindex.Document, 0, len(paths))
		for _, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", p, err)
			}
			docs = append(docs, invindex.Document{Name: p, Text: string(data)})
		}
		job := invindex.NewJob(queue, docs, min(opts.mapTasks, len(docs)), opts.reduceTasks)
		configure(job)
		results, err := job.Run(ctx)
		if err != nil {
			return err
		}
		index, err := invindex.Merge(results)
		if err != nil {
			return err
		}
		words := make([]string, 0, len(index))
		for w := range index {
			words = append(words, w)
		}
		sort.Strings(words)
		for _, w := range words {
			fmt.Printf("%s\t%s\n", w, strings.Join(index[w], ", "))
		}

	case "grep":
		if opts.pattern == "" {
			return fmt.Errorf("grep needs -pattern")
		}
		matches, err := grep.Search(ctx, queue, lg, opts.pattern, paths, opts.mapTasks, opts.reduceTasks, configure)
		if err != nil {
			return err
		}
		grep.PrintResults(matches)

	default:
		return fmt.Errorf("unknown app %q", opts.app)
	}
	return nil
}

func readLines(paths []string) ([]string, error) {
	var lines []string
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", p, err)
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
	}
	return lines, nil
}
