// Package scope implements the hierarchical variable context a workflow
// instance resolves template expressions against. Frames form a tree rooted
// at the instance: sub-workflows, loop iterations, and parallel branches each
// push a frame. Lookups walk from the active frame toward the root; writes
// land in the frame named by the writer.
//
// Frames live in an arena owned by the tree and refer to their parent by
// index, so the structure carries no pointer cycles and serializes cleanly.
package scope

import "sync"

// Well-known namespaces exposed by frames.
const (
	// NSInputs holds the instance input data on the root frame.
	NSInputs = "inputs"
	// NSNodes holds per-node outputs (nodes.<id>.output).
	NSNodes = "nodes"
	// NSLoops holds completed loop iteration results (loops.<id>.results).
	NSLoops = "loops"
	// NSItem binds the current element inside a dynamic loop iteration.
	NSItem = "item"
	// NSIndex binds the iteration index inside a loop frame.
	NSIndex = "index"
)

// FrameID identifies a frame within its owning Tree.
type FrameID int

// Root is the FrameID of the instance-level frame.
const Root FrameID = 0

type frame struct {
	parent FrameID // Root's parent is itself
	vars   map[string]any
}

// Tree is the per-instance frame arena. One dispatcher owns the tree
// (enforced by the instance lease); within the dispatcher sibling units may
// read concurrently while only a frame's owner writes, so access is guarded
// by a single RWMutex at the tree level.
type Tree struct {
	mu     sync.RWMutex
	frames []frame
}

// New builds a tree whose root frame seeds the inputs, nodes, and loops
// namespaces. inputs may be nil.
func New(inputs map[string]any) *Tree {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &Tree{frames: []frame{{
		parent: Root,
		vars: map[string]any{
			NSInputs: inputs,
			NSNodes:  map[string]any{},
			NSLoops:  map[string]any{},
		},
	}}}
}

// Restore rebuilds a tree from a persisted root snapshot (the instance's
// contextData column). Missing namespaces are re-seeded.
func Restore(root map[string]any) *Tree {
	vars := make(map[string]any, len(root)+3)
	for k, v := range root {
		vars[k] = v
	}
	if _, ok := vars[NSInputs]; !ok {
		vars[NSInputs] = map[string]any{}
	}
	if _, ok := vars[NSNodes]; !ok {
		vars[NSNodes] = map[string]any{}
	}
	if _, ok := vars[NSLoops]; !ok {
		vars[NSLoops] = map[string]any{}
	}
	return &Tree{frames: []frame{{parent: Root, vars: vars}}}
}

// Push allocates a child frame below parent with the given bindings and
// returns its id. vars may be nil.
func (t *Tree) Push(parent FrameID, vars map[string]any) FrameID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if vars == nil {
		vars = map[string]any{}
	}
	t.frames = append(t.frames, frame{parent: parent, vars: vars})
	return FrameID(len(t.frames) - 1)
}

// PushIteration allocates a child frame for one loop or parallel iteration.
// Besides the given bindings (typically item and index) the frame overlays a
// copy of the nearest visible nodes namespace, so body node outputs stay
// local to the iteration while outer outputs remain readable.
func (t *Tree) PushIteration(parent FrameID, vars map[string]any) FrameID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if vars == nil {
		vars = map[string]any{}
	}
	overlay := make(map[string]any)
	id := parent
	for {
		f := t.frames[id]
		if outer, ok := f.vars[NSNodes].(map[string]any); ok {
			for k, v := range outer {
				overlay[k] = v
			}
			break
		}
		if f.parent == id {
			break
		}
		id = f.parent
	}
	vars[NSNodes] = overlay
	t.frames = append(t.frames, frame{parent: parent, vars: vars})
	return FrameID(len(t.frames) - 1)
}

// Lookup resolves name by walking from the given frame toward the root.
func (t *Tree) Lookup(id FrameID, name string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for {
		f := t.frames[id]
		if v, ok := f.vars[name]; ok {
			return v, true
		}
		if f.parent == id {
			return nil, false
		}
		id = f.parent
	}
}

// Set binds name in exactly the given frame.
func (t *Tree) Set(id FrameID, name string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames[id].vars[name] = value
}

// SetNodeOutput records a node's output under nodes.<id>.output on the root
// frame. Outputs are write-once: the first successful attempt wins and later
// writes are rejected, which keeps the scope monotonic across retries.
func (t *Tree) SetNodeOutput(nodeID string, output any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes := t.frames[Root].vars[NSNodes].(map[string]any)
	if _, exists := nodes[nodeID]; exists {
		return false
	}
	nodes[nodeID] = map[string]any{"output": output}
	return true
}

// SetNodeOutputIn records a node output in the nearest frame at or above the
// given one that owns a nodes namespace. Iteration frames pushed with
// PushIteration own one, so loop body outputs land there; everything else
// falls through to the root. Same write-once rule as SetNodeOutput.
func (t *Tree) SetNodeOutputIn(id FrameID, nodeID string, output any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		f := t.frames[id]
		if nodes, ok := f.vars[NSNodes].(map[string]any); ok {
			if _, exists := nodes[nodeID]; exists {
				return false
			}
			nodes[nodeID] = map[string]any{"output": output}
			return true
		}
		if f.parent == id {
			return false
		}
		id = f.parent
	}
}

// NodeOutput returns the recorded output for a node, if any.
func (t *Tree) NodeOutput(nodeID string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nodes := t.frames[Root].vars[NSNodes].(map[string]any)
	entry, ok := nodes[nodeID].(map[string]any)
	if !ok {
		return nil, false
	}
	return entry["output"], true
}

// SetLoopResults records the ordered result list for a completed loop node
// under loops.<id>.results on the root frame.
func (t *Tree) SetLoopResults(loopID string, results []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	loops := t.frames[Root].vars[NSLoops].(map[string]any)
	loops[loopID] = map[string]any{"results": results}
}

// Snapshot produces the merged view from the root down to the given frame.
// Inner frames shadow outer bindings. The result shares no top-level map with
// the tree so callers may hand it to the template resolver freely; nested
// values are not deep-copied (the resolver never mutates them).
func (t *Tree) Snapshot(id FrameID) map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	chain := make([]FrameID, 0, 4)
	for {
		chain = append(chain, id)
		f := t.frames[id]
		if f.parent == id {
			break
		}
		id = f.parent
	}
	merged := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range t.frames[chain[i]].vars {
			merged[k] = v
		}
	}
	return merged
}

// Root returns the root frame's bindings for persistence as the instance's
// contextData. The returned map is a shallow copy.
func (t *Tree) RootSnapshot() map[string]any {
	return t.Snapshot(Root)
}
