// Package model holds the shared patient/study/series hierarchy built by the
// resolver. Nodes live in an arena indexed by NodeID; parents are referenced
// by ID, never by pointer.
package model

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/caio-sobreiro/dicomfetch/dicom"
	"github.com/caio-sobreiro/dicomfetch/types"
)

// NodeID addresses a node in the tree arena.
type NodeID int

// Root is the implicit parent of every patient node.
const Root NodeID = 0

// Level is the hierarchy level of a node.
type Level int

const (
	LevelPatient Level = iota + 1
	LevelStudy
	LevelSeries
)

func (l Level) String() string {
	switch l {
	case LevelPatient:
		return "patient"
	case LevelStudy:
		return "study"
	case LevelSeries:
		return "series"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// parent returns the level a node of level l must hang from. Patients hang
// from Root, which has no level.
func (l Level) parent() Level {
	return l - 1
}

// LoaderState describes whether a series currently has a download task.
type LoaderState int

const (
	LoaderNone LoaderState = iota
	LoaderPending
	LoaderComplete
)

func (s LoaderState) String() string {
	switch s {
	case LoaderNone:
		return "none"
	case LoaderPending:
		return "pending"
	case LoaderComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Node is a read-only snapshot of a hierarchy node. Tags are set once from
// the first record that created the node and are shared, never modified.
type Node struct {
	ID     NodeID
	Parent NodeID
	Level  Level
	Key    string
	Tags   *dicom.Dataset
}

type indexKey struct {
	parent NodeID
	key    string
}

// seriesState is the mutable part of a series node.
type seriesState struct {
	manifest []types.InstanceReference
	seen     map[types.InstanceKey]struct{}
	version  uint64
	loader   LoaderState
	owner    uuid.UUID
}

// Tree is the hierarchy arena. All methods are safe for concurrent use;
// find-or-create is linearizable per (parent, key).
type Tree struct {
	mu       sync.RWMutex
	nodes    []Node
	index    map[indexKey]NodeID
	children map[NodeID][]NodeID
	series   map[NodeID]*seriesState
}

// NewTree creates an empty tree holding only the root slot.
func NewTree() *Tree {
	return &Tree{
		nodes:    []Node{{ID: Root}},
		index:    make(map[indexKey]NodeID),
		children: make(map[NodeID][]NodeID),
		series:   make(map[NodeID]*seriesState),
	}
}

// FindOrCreate returns the node keyed by key under parent, creating it when
// absent. tags is only invoked on creation. The boolean reports whether the
// node was created by this call.
func (t *Tree) FindOrCreate(parent NodeID, level Level, key string, tags func() *dicom.Dataset) (Node, bool, error) {
	if key == "" {
		return Node{}, false, fmt.Errorf("%s key cannot be empty", level)
	}

	ik := indexKey{parent: parent, key: key}

	t.mu.RLock()
	if id, ok := t.index[ik]; ok {
		node := t.nodes[id]
		t.mu.RUnlock()
		return node, false, nil
	}
	t.mu.RUnlock()

	var nodeTags *dicom.Dataset
	if tags != nil {
		nodeTags = tags()
	}
	if nodeTags == nil {
		nodeTags = dicom.NewDataset()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.index[ik]; ok {
		return t.nodes[id], false, nil
	}
	if err := t.checkParentLocked(parent, level); err != nil {
		return Node{}, false, err
	}

	node := Node{
		ID:     NodeID(len(t.nodes)),
		Parent: parent,
		Level:  level,
		Key:    key,
		Tags:   nodeTags,
	}
	t.nodes = append(t.nodes, node)
	t.index[ik] = node.ID
	t.children[parent] = append(t.children[parent], node.ID)
	if level == LevelSeries {
		t.series[node.ID] = &seriesState{seen: make(map[types.InstanceKey]struct{})}
	}
	return node, true, nil
}

func (t *Tree) checkParentLocked(parent NodeID, level Level) error {
	if level < LevelPatient || level > LevelSeries {
		return fmt.Errorf("invalid node level %d", int(level))
	}
	if parent < 0 || int(parent) >= len(t.nodes) {
		return fmt.Errorf("unknown parent node %d", parent)
	}
	if level == LevelPatient {
		if parent != Root {
			return fmt.Errorf("patient nodes must hang from the root, got parent %d", parent)
		}
		return nil
	}
	if got := t.nodes[parent].Level; got != level.parent() {
		return fmt.Errorf("%s node cannot hang from a %s node", level, got)
	}
	return nil
}

// Get returns the node with the given ID.
func (t *Tree) Get(id NodeID) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id <= Root || int(id) >= len(t.nodes) {
		return Node{}, false
	}
	return t.nodes[id], true
}

// Lookup returns the node keyed by key under parent without creating it.
func (t *Tree) Lookup(parent NodeID, key string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.index[indexKey{parent: parent, key: key}]
	if !ok {
		return Node{}, false
	}
	return t.nodes[id], true
}

// Children returns the direct children of parent in creation order.
func (t *Tree) Children(parent NodeID) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.children[parent]
	nodes := make([]Node, len(ids))
	for i, id := range ids {
		nodes[i] = t.nodes[id]
	}
	return nodes
}

// Len returns the number of nodes, root excluded.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes) - 1
}

// AddInstances merges refs into the manifest of a series. A reference whose
// (SOP instance UID, number) pair is already present is ignored. It returns
// how many references were added; the series version is bumped when that is
// non-zero.
func (t *Tree) AddInstances(series NodeID, refs []types.InstanceReference) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.series[series]
	if !ok {
		return 0, fmt.Errorf("node %d is not a series", series)
	}

	added := 0
	for _, ref := range refs {
		if ref.SOPInstanceUID == "" {
			continue
		}
		key := ref.Key()
		if _, dup := state.seen[key]; dup {
			continue
		}
		state.seen[key] = struct{}{}
		state.manifest = append(state.manifest, ref)
		added++
	}
	if added > 0 {
		state.version++
	}
	return added, nil
}

// Manifest returns a copy of the instance references of a series together
// with the version it was read at.
func (t *Tree) Manifest(series NodeID) ([]types.InstanceReference, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.series[series]
	if !ok {
		return nil, 0
	}
	manifest := make([]types.InstanceReference, len(state.manifest))
	copy(manifest, state.manifest)
	return manifest, state.version
}

// Version returns the manifest version token of a series.
func (t *Tree) Version(series NodeID) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if state, ok := t.series[series]; ok {
		return state.version
	}
	return 0
}

// ClaimLoader marks a series as having a pending download owned by owner.
// It fails when the series already has a pending or completed download.
func (t *Tree) ClaimLoader(series NodeID, owner uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.series[series]
	if !ok || state.loader != LoaderNone {
		return false
	}
	state.loader = LoaderPending
	state.owner = owner
	return true
}

// ReleaseLoader clears a pending claim so the series can be scheduled again.
// Only the current owner can release it.
func (t *Tree) ReleaseLoader(series NodeID, owner uuid.UUID) bool {
	return t.transitionLoader(series, owner, LoaderNone)
}

// CompleteLoader records that the owner's download finished successfully.
func (t *Tree) CompleteLoader(series NodeID, owner uuid.UUID) bool {
	return t.transitionLoader(series, owner, LoaderComplete)
}

func (t *Tree) transitionLoader(series NodeID, owner uuid.UUID, next LoaderState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.series[series]
	if !ok || state.loader != LoaderPending || state.owner != owner {
		return false
	}
	state.loader = next
	if next == LoaderNone {
		state.owner = uuid.Nil
	}
	return true
}

// Loader returns the loader state of a series.
func (t *Tree) Loader(series NodeID) LoaderState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if state, ok := t.series[series]; ok {
		return state.loader
	}
	return LoaderNone
}
