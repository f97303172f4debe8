package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"TupleMR/internal/logger"
	"TupleMR/internal/tuplespace"

	raft "github.com/hashicorp/raft"
)

const (
	opWrite = "write"
	opTake  = "take"
)

// command is one replicated tuple-space operation in the Raft log.
type command struct {
	Op        string              `json:"op"`
	Tuple     *tuplespace.Tuple   `json:"tuple,omitempty"`
	Pattern   *tuplespace.Pattern `json:"pattern,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// takeResult is what Apply returns for a take. Every replica removes the
// same tuple because it scans the same ordered log.
type takeResult struct {
	Tuple tuplespace.Tuple
	Found bool
}

// FSM implements the Finite State Machine for Raft. Its state is the
// ordered list of tuples waiting in the space.
type FSM struct {
	store  *tuplespace.Store
	logger *logger.Logger
}

func NewFSM(lg *logger.Logger) *FSM {
	if lg == nil {
		lg = logger.New("INFO")
	}
	return &FSM{
		store:  tuplespace.NewStore(),
		logger: lg.Named("fsm"),
	}
}

// Apply implements raft.FSM - processes a log entry committed by Raft
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		f.logger.Error("Failed to unmarshal log entry: index=%d err=%v", log.Index, err)
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	switch cmd.Op {
	case opWrite:
		if cmd.Tuple == nil {
			return fmt.Errorf("write entry without tuple")
		}
		f.store.Put(*cmd.Tuple)
		f.logger.Debug("Tuple written: index=%d tuple=%s", log.Index, cmd.Tuple)
		return nil

	case opTake:
		if cmd.Pattern == nil {
			return fmt.Errorf("take entry without pattern")
		}
		t, ok := f.store.Remove(*cmd.Pattern)
		if ok {
			f.logger.Debug("Tuple taken: index=%d tuple=%s", log.Index, t)
		}
		return takeResult{Tuple: t, Found: ok}

	default:
		f.logger.Warn("Unknown log entry op: %s", cmd.Op)
		return fmt.Errorf("unknown log entry op: %s", cmd.Op)
	}
}

// Changed returns a channel closed on the next applied write or restore.
func (f *FSM) Changed() <-chan struct{} {
	return f.store.Changed()
}

// Pending returns how many tuples are waiting.
func (f *FSM) Pending() int {
	return f.store.Len()
}

// Count returns how many waiting tuples match p.
func (f *FSM) Count(p tuplespace.Pattern) int {
	return f.store.Count(p)
}

type snapshotState struct {
	Tuples  []tuplespace.Tuple `json:"tuples"`
	Version uint64             `json:"version"`
}

// Snapshot implements raft.FSM - creates a snapshot of the current state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &snapshot{state: snapshotState{
		Tuples:  f.store.Snapshot(),
		Version: f.store.Version(),
	}}, nil
}

// Restore implements raft.FSM - restores state from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state snapshotState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.store.Restore(state.Tuples, state.Version)
	f.logger.Info("State restored from snapshot: tuples=%d version=%d", len(state.Tuples), state.Version)
	return nil
}

// snapshot implements raft.FSMSnapshot
type snapshot struct {
	state snapshotState
}

// Persist writes the snapshot to a sink
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}

	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}

	return sink.Close()
}

func (s *snapshot) Release() {}
