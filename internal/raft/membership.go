package raft

import (
	"context"

	"TupleMR/internal/discovery"
)

// Membership is the gossip view a queue node follows.
type Membership interface {
	GetMembers() map[string]discovery.Member
	RegisterJoinCallback(func(discovery.Member))
	RegisterLeaveCallback(func(nodeID string))
	Advertise(serviceAddr string) error
}

// FollowMembership keeps the voter set in step with gossip until ctx ends.
// Tuple space nodes that join are added as voters and nodes that leave are
// removed, but only by the leader. The leader also advertises serviceAddr,
// since followers reject tuple operations.
func (c *Cluster) FollowMembership(ctx context.Context, m Membership, serviceAddr string) {
	m.RegisterJoinCallback(func(member discovery.Member) {
		// Gossip callbacks must not block on a Raft commit.
		go c.admit(member)
	})
	m.RegisterLeaveCallback(func(nodeID string) {
		go c.evict(nodeID)
	})

	onLeader := func(leader bool) {
		addr := ""
		if leader {
			addr = serviceAddr
		}
		if err := m.Advertise(addr); err != nil {
			c.logger.Warn("Failed to advertise tuple space: addr=%q err=%v", addr, err)
		}
		if !leader {
			return
		}
		// Members that joined while another node led may still be missing.
		for _, member := range m.GetMembers() {
			c.admit(member)
		}
	}

	onLeader(c.IsLeader())
	for {
		select {
		case <-ctx.Done():
			return
		case leader := <-c.LeaderCh():
			c.logger.Info("Leadership changed: node_id=%s leader=%v", c.nodeID, leader)
			onLeader(leader)
		}
	}
}

func (c *Cluster) admit(m discovery.Member) {
	if !c.IsLeader() || m.NodeID == c.nodeID {
		return
	}
	if m.Meta.Role != discovery.RoleTupleSpace || m.Meta.RaftAddr == "" {
		return
	}
	if _, ok := c.GetPeers()[m.NodeID]; ok {
		return
	}

	if err := c.AddPeer(m.NodeID, m.Meta.RaftAddr); err != nil {
		c.logger.Warn("Failed to add voter: node_id=%s addr=%s err=%v", m.NodeID, m.Meta.RaftAddr, err)
		return
	}
	c.logger.Info("Voter added: node_id=%s addr=%s", m.NodeID, m.Meta.RaftAddr)
}

func (c *Cluster) evict(nodeID string) {
	if !c.IsLeader() || nodeID == c.nodeID {
		return
	}
	if _, ok := c.GetPeers()[nodeID]; !ok {
		return
	}

	if err := c.RemovePeer(nodeID); err != nil {
		c.logger.Warn("Failed to remove voter: node_id=%s err=%v", nodeID, err)
		return
	}
	c.logger.Info("Voter removed: node_id=%s", nodeID)
}
