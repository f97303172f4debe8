package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"TupleMR/internal/logger"
	"TupleMR/internal/tuplespace"

	raft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// ErrNotLeader is returned for tuple operations sent to a follower.
var ErrNotLeader = errors.New("not the leader")

const applyTimeout = 5 * time.Second

// Cluster is a Raft-replicated tuple space. It implements tuplespace.Queue.
type Cluster struct {
	nodeID        string
	raft          *raft.Raft
	fsm           *FSM
	logStore      raft.LogStore
	stableStore   raft.StableStore
	snapshotStore raft.SnapshotStore
	transport     *raft.NetworkTransport
	logger        *logger.Logger
}

// Config for creating a new cluster
type Config struct {
	NodeID   string   // Unique node identifier
	BindAddr string   // Address to bind Raft transport
	BindPort int      // Port for Raft transport
	DataDir  string   // Directory for log store and snapshots
	Peers    []string // Initial voters as nodeID@host:port, this node included
	Join     bool     // Skip bootstrap and wait for a leader to add this node
	Logger   *logger.Logger
}

type peer struct {
	id   string
	addr string
}

func parsePeers(peers []string) ([]peer, error) {
	out := make([]peer, 0, len(peers))
	for _, p := range peers {
		id, addr, ok := strings.Cut(p, "@")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, want nodeID@host:port", p)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", addr, err)
		}
		out = append(out, peer{id: id, addr: addr})
	}
	return out, nil
}

// NewCluster creates a new Raft cluster node
func NewCluster(cfg Config) (*Cluster, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NodeID cannot be empty")
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DataDir cannot be empty")
	}

	peers, err := parsePeers(cfg.Peers)
	if err != nil {
		return nil, err
	}

	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("raft")
	lg.Info("Initializing Raft cluster node: node_id=%s bind_addr=%s:%d", cfg.NodeID, cfg.BindAddr, cfg.BindPort)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		lg.Error("Failed to create data directory: %v", err)
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	c := &Cluster{
		nodeID: cfg.NodeID,
		fsm:    NewFSM(lg),
		logger: lg,
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-logs.db"))
	if err != nil {
		lg.Error("Failed to create log store: %v", err)
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	c.logStore = logStore

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		lg.Error("Failed to create stable store: %v", err)
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}
	c.stableStore = stableStore

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, lg.Writer(logger.DEBUG))
	if err != nil {
		c.closeStores()
		lg.Error("Failed to create snapshot store: %v", err)
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	c.snapshotStore = snapshotStore

	bind := net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.BindPort))
	addr, err := net.ResolveTCPAddr("tcp", bind)
	if err != nil {
		c.closeStores()
		lg.Error("Failed to resolve address: %v", err)
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	transport, err := raft.NewTCPTransport(addr.String(), addr, 3, 10*time.Second, lg.Writer(logger.DEBUG))
	if err != nil {
		c.closeStores()
		lg.Error("Failed to create transport: %v", err)
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	c.transport = transport

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 200 * time.Millisecond
	raftCfg.ElectionTimeout = 200 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 100 * time.Millisecond
	raftCfg.SnapshotInterval = 2 * time.Second
	raftCfg.SnapshotThreshold = 1024
	raftCfg.LogOutput = lg.Writer(logger.DEBUG)

	hasState, err := raft.HasExistingState(c.logStore, c.stableStore, c.snapshotStore)
	if err != nil {
		c.closeStores()
		transport.Close()
		return nil, fmt.Errorf("failed to inspect raft state: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, c.fsm, c.logStore, c.stableStore, c.snapshotStore, transport)
	if err != nil {
		c.closeStores()
		transport.Close()
		lg.Error("Failed to create raft instance: %v", err)
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	c.raft = r
	lg.Info("Raft node initialized: node_id=%s", cfg.NodeID)

	if hasState {
		lg.Info("Existing raft state found, skipping bootstrap")
		return c, nil
	}
	if cfg.Join {
		lg.Info("Waiting to be added to an existing cluster: node_id=%s addr=%s", cfg.NodeID, transport.LocalAddr())
		return c, nil
	}

	servers := []raft.Server{{
		Suffrage: raft.Voter,
		ID:       raft.ServerID(cfg.NodeID),
		Address:  transport.LocalAddr(),
	}}
	for _, p := range peers {
		if p.id == cfg.NodeID {
			continue
		}
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(p.id),
			Address:  raft.ServerAddress(p.addr),
		})
	}

	f := c.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := f.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		lg.Error("Failed to bootstrap cluster: %v", err)
		return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	lg.Info("Cluster bootstrapped: voters=%d", len(servers))

	return c, nil
}

func (c *Cluster) closeStores() {
	if closer, ok := c.logStore.(interface{ Close() error }); ok {
		closer.Close()
	}
	if closer, ok := c.stableStore.(interface{ Close() error }); ok {
		closer.Close()
	}
}

// AddPeer adds a peer to the Raft cluster
func (c *Cluster) AddPeer(nodeID, address string) error {
	f := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 0)
	return f.Error()
}

// RemovePeer removes a peer from the Raft cluster
func (c *Cluster) RemovePeer(nodeID string) error {
	f := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 0)
	return f.Error()
}

// IsLeader returns true if this node is the current leader
func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// LeaderCh reports leadership changes of this node. There must be a single
// reader.
func (c *Cluster) LeaderCh() <-chan bool {
	return c.raft.LeaderCh()
}

// GetLeader returns the current leader address
func (c *Cluster) GetLeader() string {
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// WaitForLeader waits until a leader is elected
func (c *Cluster) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.GetLeader() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no leader elected: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// apply replicates cmd and returns the FSM's response. It must run on the leader.
func (c *Cluster) apply(cmd *command) (interface{}, error) {
	if !c.IsLeader() {
		return nil, fmt.Errorf("%w, current leader: %s", ErrNotLeader, c.GetLeader())
	}

	cmd.Timestamp = time.Now()
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry: %w", err)
	}

	f := c.raft.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		return nil, fmt.Errorf("failed to apply log: %w", err)
	}

	if err, ok := f.Response().(error); ok {
		return nil, err
	}
	return f.Response(), nil
}

// Write replicates t into the space.
func (c *Cluster) Write(ctx context.Context, t tuplespace.Tuple) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.apply(&command{Op: opWrite, Tuple: &t}); err != nil {
		c.logger.Error("Failed to write tuple: tuple=%s err=%v", t, err)
		return err
	}
	return nil
}

// Take replicates a removal of the oldest tuple matching p. With no match it
// waits for the next applied write and tries again.
func (c *Cluster) Take(ctx context.Context, p tuplespace.Pattern) (tuplespace.Tuple, error) {
	return tuplespace.WaitTake(ctx, c.fsm.Changed, func() (tuplespace.Tuple, bool, error) {
		resp, err := c.apply(&command{Op: opTake, Pattern: &p})
		if err != nil {
			return tuplespace.Tuple{}, false, err
		}
		res, ok := resp.(takeResult)
		if !ok {
			return tuplespace.Tuple{}, false, fmt.Errorf("unexpected take response %T", resp)
		}
		return res.Tuple, res.Found, nil
	})
}

// Pending returns how many tuples wait in this node's replica.
func (c *Cluster) Pending() int {
	return c.fsm.Pending()
}

// GetPeers returns all known peers in the cluster
func (c *Cluster) GetPeers() map[string]raft.Server {
	config := c.raft.GetConfiguration()
	peers := make(map[string]raft.Server)

	if config.Error() == nil {
		for _, server := range config.Configuration().Servers {
			peers[string(server.ID)] = server
		}
	}

	return peers
}

// Stats returns Raft statistics plus the tuple counts of this replica.
func (c *Cluster) Stats() map[string]string {
	stats := c.raft.Stats()
	stats["backend"] = "raft"
	stats["node_id"] = c.nodeID
	stats["pending"] = strconv.Itoa(c.fsm.Pending())
	stats["tasks"] = strconv.Itoa(c.fsm.Count(tuplespace.Pattern{Kind: tuplespace.KindTask}))
	stats["results"] = strconv.Itoa(c.fsm.Count(tuplespace.Pattern{Kind: tuplespace.KindResult}))
	return stats
}

// Close closes the Raft node
func (c *Cluster) Close() error {
	f := c.raft.Shutdown()
	if err := f.Error(); err != nil {
		return err
	}

	if closer, ok := c.logStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return err
		}
	}

	if closer, ok := c.stableStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return err
		}
	}

	if err := c.transport.Close(); err != nil {
		return err
	}

	return nil
}
