package node

import (
	"fmt"
	"sync"
)

// Permission is the child-edge permission bitset: rather than a node
// reaching back into its parent (the C block layer's BdrvChild cyclic
// pointer), every edge in the graph is described by what the holder may do
// to the node, recorded in the Arena.
type Permission uint32

const (
	PermConsistentRead Permission = 1 << iota
	PermWrite
	PermWriteUnchanged
	PermResize
)

// ID is a typed index into an Arena, replacing the C block layer's raw
// BlockDriverState* with a value that can't dangle.
type ID int

type edge struct {
	holder string
	perm   Permission
	shared Permission
}

// Arena is the block graph: a registry of Nodes addressed by ID, plus the
// permission edges held against them. It is a standalone registry:
// blockcopy, cbwfilter and backupjob hold their source/target as node.Node
// values directly and do not consult an Arena.
type Arena struct {
	mu    sync.RWMutex
	nodes map[ID]Node
	edges map[ID][]edge
	next  ID
}

// NewArena creates an empty block graph.
func NewArena() *Arena {
	return &Arena{
		nodes: make(map[ID]Node),
		edges: make(map[ID][]edge),
	}
}

// Register adds n to the arena and returns its ID.
func (a *Arena) Register(n Node) ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	id := a.next
	a.nodes[id] = n
	return id
}

// Node resolves id to its Node, or false if id is unknown or was dropped.
func (a *Arena) Node(id ID) (Node, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.nodes[id]
	return n, ok
}

// Drop removes id from the arena. Subsequent Node lookups fail.
func (a *Arena) Drop(id ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.nodes, id)
	delete(a.edges, id)
}

// Grant records that holder wants perm on id, compatible with shared (the
// set of permissions holder is willing to let other edges hold
// concurrently). It fails with KindPermissionDenied if an existing edge
// holds a permission that isn't in shared, or if perm includes a
// permission an existing edge doesn't share, the same two-sided compatibility
// check QEMU's bdrv_check_perm performs, simplified to the four bits this
// graph actually needs (ConsistentRead/Write/WriteUnchanged/Resize).
func (a *Arena) Grant(id ID, holder string, perm, shared Permission) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.nodes[id]; !ok {
		return NewError("node.Grant", KindNotFound, false, fmt.Errorf("no node with id %d", id))
	}
	for _, e := range a.edges[id] {
		if e.holder == holder {
			continue
		}
		if perm&^e.shared != 0 {
			return NewError("node.Grant", KindPermissionDenied, false,
				fmt.Errorf("holder %q wants permission %d not shared by %q", holder, perm, e.holder))
		}
		if e.perm&^shared != 0 {
			return NewError("node.Grant", KindPermissionDenied, false,
				fmt.Errorf("existing holder %q permission %d not shared by %q", e.holder, e.perm, holder))
		}
	}
	edges := a.edges[id]
	for i, e := range edges {
		if e.holder == holder {
			edges[i] = edge{holder: holder, perm: perm, shared: shared}
			a.edges[id] = edges
			return nil
		}
	}
	a.edges[id] = append(edges, edge{holder: holder, perm: perm, shared: shared})
	return nil
}

// Revoke drops holder's edge against id, freeing its permissions for the
// next Grant to check compatibility against.
func (a *Arena) Revoke(id ID, holder string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	edges := a.edges[id]
	for i, e := range edges {
		if e.holder == holder {
			a.edges[id] = append(edges[:i], edges[i+1:]...)
			return
		}
	}
}
