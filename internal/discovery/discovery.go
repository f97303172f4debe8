package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"TupleMR/internal/logger"
)

// Roles advertised in node metadata.
const (
	RoleTupleSpace = "tuplespace"
	RoleWorker     = "worker"
	RoleClient     = "client"
)

// Meta is what each node gossips about itself.
type Meta struct {
	Role        string `json:"role"`
	ServiceAddr string `json:"service_addr,omitempty"`
	RaftAddr    string `json:"raft_addr,omitempty"`
}

// Member is a known cluster node.
type Member struct {
	NodeID  string
	Address string // gossip address
	Meta    Meta
}

// EventDelegate implements memberlist.EventDelegate for handling membership changes
type EventDelegate struct {
	discovery *NodeDiscovery
}

func (ed *EventDelegate) NotifyJoin(node *memberlist.Node) {
	ed.discovery.handleNodeJoin(node)
}

func (ed *EventDelegate) NotifyLeave(node *memberlist.Node) {
	ed.discovery.handleNodeLeave(node)
}

func (ed *EventDelegate) NotifyUpdate(node *memberlist.Node) {
	ed.discovery.handleNodeUpdate(node)
}

// metaDelegate implements memberlist.Delegate; only node metadata is used.
type metaDelegate struct {
	mu   sync.RWMutex
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) set(meta []byte) {
	d.mu.Lock()
	d.meta = meta
	d.mu.Unlock()
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// NodeDiscovery uses memberlist to find the tuple space service and track
// which nodes are alive.
type NodeDiscovery struct {
	memberlist *memberlist.Memberlist
	logger     *logger.Logger
	mu         sync.RWMutex

	onNodeJoin  func(Member)
	onNodeLeave func(string)

	members     map[string]Member
	changed     chan struct{}
	localNodeID string
	meta        Meta
	delegate    *metaDelegate
}

// Config for node discovery
type Config struct {
	NodeID       string   // Unique node identifier
	LocalAddress string   // Address to bind to
	LocalPort    int      // Port to bind to
	JoinAddrs    []string // Addresses to join cluster (format: "host:port")
	Role         string   // Role advertised to peers
	ServiceAddr  string   // Address of the service this node offers, if any
	RaftAddr     string   // Raft transport address of a tuple space node
	Logger       *logger.Logger
}

// NewNodeDiscovery creates a new node discovery service
func NewNodeDiscovery(cfg Config) (*NodeDiscovery, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("discovery")
	lg.Info("Initializing node discovery: node_id=%s addr=%s:%d role=%s", cfg.NodeID, cfg.LocalAddress, cfg.LocalPort, cfg.Role)

	self := Meta{Role: cfg.Role, ServiceAddr: cfg.ServiceAddr, RaftAddr: cfg.RaftAddr}
	meta, err := encodeMeta(self)
	if err != nil {
		return nil, err
	}

	nd := &NodeDiscovery{
		logger:      lg,
		localNodeID: cfg.NodeID,
		members:     make(map[string]Member),
		changed:     make(chan struct{}),
		meta:        self,
		delegate:    &metaDelegate{meta: meta},
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindPort = cfg.LocalPort
	mlConfig.BindAddr = cfg.LocalAddress
	mlConfig.AdvertisePort = cfg.LocalPort
	mlConfig.RetransmitMult = 3
	mlConfig.ProbeInterval = 1 * time.Second
	mlConfig.ProbeTimeout = 500 * time.Millisecond
	mlConfig.GossipInterval = 200 * time.Millisecond
	mlConfig.GossipNodes = 3
	mlConfig.Events = &EventDelegate{discovery: nd}
	mlConfig.Delegate = nd.delegate
	mlConfig.LogOutput = lg.Writer(logger.DEBUG)

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		lg.Error("Failed to create memberlist: %v", err)
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	nd.memberlist = ml

	if len(cfg.JoinAddrs) > 0 {
		_, err := ml.Join(cfg.JoinAddrs)
		if err != nil {
			lg.Warn("Failed to join cluster: %v (continuing as single node)", err)
		} else {
			lg.Info("Successfully joined cluster with %d nodes", ml.NumMembers())
		}
	}

	return nd, nil
}

func encodeMeta(m Meta) ([]byte, error) {
	meta, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node meta: %w", err)
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("node meta is %d bytes, limit is %d", len(meta), memberlist.MetaMaxSize)
	}
	return meta, nil
}

// Advertise changes the service address this node gossips. An empty addr
// withdraws the service while keeping the node in the cluster.
func (nd *NodeDiscovery) Advertise(serviceAddr string) error {
	nd.mu.Lock()
	self := nd.meta
	self.ServiceAddr = serviceAddr
	meta, err := encodeMeta(self)
	if err != nil {
		nd.mu.Unlock()
		return err
	}
	nd.meta = self
	nd.delegate.set(meta)
	nd.mu.Unlock()

	if err := nd.memberlist.UpdateNode(time.Second); err != nil {
		return fmt.Errorf("failed to gossip node meta: %w", err)
	}
	nd.logger.Info("Advertising service: role=%s addr=%q", self.Role, serviceAddr)
	return nil
}

// GetMembers returns all discovered nodes keyed by node ID
func (nd *NodeDiscovery) GetMembers() map[string]Member {
	nd.mu.RLock()
	defer nd.mu.RUnlock()

	result := make(map[string]Member, len(nd.members))
	for k, v := range nd.members {
		result[k] = v
	}
	return result
}

// LookupService returns the service address of a live node with role. When
// several qualify, the lowest node ID wins so every caller agrees.
func (nd *NodeDiscovery) LookupService(role string) (string, bool) {
	nd.mu.RLock()
	defer nd.mu.RUnlock()

	var ids []string
	for id, m := range nd.members {
		if m.Meta.Role == role && m.Meta.ServiceAddr != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	return nd.members[ids[0]].Meta.ServiceAddr, true
}

// WaitForService blocks until some node advertises role or ctx ends.
func (nd *NodeDiscovery) WaitForService(ctx context.Context, role string) (string, error) {
	for {
		nd.mu.RLock()
		ch := nd.changed
		nd.mu.RUnlock()

		if addr, ok := nd.LookupService(role); ok {
			return addr, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no %s service discovered: %w", role, ctx.Err())
		case <-ch:
		}
	}
}

// RegisterJoinCallback registers a callback for when nodes join
func (nd *NodeDiscovery) RegisterJoinCallback(callback func(Member)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onNodeJoin = callback
}

// RegisterLeaveCallback registers a callback for when nodes leave
func (nd *NodeDiscovery) RegisterLeaveCallback(callback func(nodeID string)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onNodeLeave = callback
}

func toMember(node *memberlist.Node, lg *logger.Logger) Member {
	m := Member{
		NodeID:  node.Name,
		Address: net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port))),
	}
	if len(node.Meta) > 0 {
		if err := json.Unmarshal(node.Meta, &m.Meta); err != nil {
			lg.Warn("Ignoring unreadable node meta: node_id=%s err=%v", node.Name, err)
		}
	}
	return m
}

// notifyLocked wakes WaitForService callers. nd.mu must be held.
func (nd *NodeDiscovery) notifyLocked() {
	close(nd.changed)
	nd.changed = make(chan struct{})
}

// handleNodeJoin processes a node join event
func (nd *NodeDiscovery) handleNodeJoin(node *memberlist.Node) {
	m := toMember(node, nd.logger)

	nd.mu.Lock()
	nd.members[m.NodeID] = m
	nd.notifyLocked()
	callback := nd.onNodeJoin
	nd.mu.Unlock()

	nd.logger.Info("Node joined: node_id=%s address=%s role=%s", m.NodeID, m.Address, m.Meta.Role)

	if callback != nil {
		callback(m)
	}
}

// handleNodeLeave processes a node leave event
func (nd *NodeDiscovery) handleNodeLeave(node *memberlist.Node) {
	nd.mu.Lock()
	nodeID := node.Name
	delete(nd.members, nodeID)
	nd.notifyLocked()
	callback := nd.onNodeLeave
	nd.mu.Unlock()

	nd.logger.Info("Node left: node_id=%s", nodeID)

	if callback != nil {
		callback(nodeID)
	}
}

// handleNodeUpdate processes a node update event (e.g., metadata change)
func (nd *NodeDiscovery) handleNodeUpdate(node *memberlist.Node) {
	m := toMember(node, nd.logger)

	nd.mu.Lock()
	nd.members[m.NodeID] = m
	nd.notifyLocked()
	nd.mu.Unlock()

	nd.logger.Debug("Node updated: node_id=%s address=%s", m.NodeID, m.Address)
}

// NumMembers returns the number of known cluster members
func (nd *NodeDiscovery) NumMembers() int {
	nd.mu.RLock()
	defer nd.mu.RUnlock()
	return len(nd.members)
}

// Leave gracefully leaves the cluster
func (nd *NodeDiscovery) Leave(timeout time.Duration) error {
	return nd.memberlist.Leave(timeout)
}

// Shutdown shuts down the discovery service
func (nd *NodeDiscovery) Shutdown() error {
	return nd.memberlist.Shutdown()
}
