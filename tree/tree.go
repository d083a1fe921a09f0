// Package tree owns a node store, a position cache and the current root
// index. It supports cheap re-rooting onto a played line and holds the
// hash index used for in-tree transposition lookups.
package tree

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/domino14/macaw/chess"
	"github.com/domino14/macaw/nodestore"
	"github.com/domino14/macaw/poscache"
)

// ErrNotReusable is returned by ReRoot when the requested line does not
// exist in the current tree. Callers fall back to a fresh search.
var ErrNotReusable = errors.New("tree not reusable along requested line")

type Tree struct {
	store *nodestore.Store
	cache *poscache.Cache

	root nodestore.NodeIndex
	pos  *chess.PositionWithHistory

	// peer is another tree whose cache this one may mine. At most one;
	// see ClearSharedContext.
	peerMu sync.Mutex
	peer   *Tree

	// hash → node index, for transposition linking and continuation
	// lookups. Registration happens at node creation.
	hashMu    sync.RWMutex
	hashIndex map[uint64]nodestore.NodeIndex
}

// New builds a tree rooted at pos. The root node is allocated immediately
// but not yet expanded.
func New(store *nodestore.Store, cache *poscache.Cache, pos *chess.PositionWithHistory) (*Tree, error) {
	rootIdx, err := store.AllocNode()
	if err != nil {
		return nil, err
	}
	root := store.Node(rootIdx)
	root.ZobristHash = pos.Hash()
	root.ParentIndex = nodestore.NullNode
	t := &Tree{
		store:     store,
		cache:     cache,
		root:      rootIdx,
		pos:       pos.Clone(),
		hashIndex: make(map[uint64]nodestore.NodeIndex),
	}
	t.RegisterNode(pos.Hash(), rootIdx)
	return t, nil
}

func (t *Tree) Store() *nodestore.Store {
	return t.store
}

func (t *Tree) Cache() *poscache.Cache {
	return t.cache
}

func (t *Tree) Root() nodestore.NodeIndex {
	return t.root
}

func (t *Tree) RootNode() *nodestore.Node {
	return t.store.Node(t.root)
}

// Position returns a copy of the root position with history.
func (t *Tree) Position() *chess.PositionWithHistory {
	return t.pos.Clone()
}

// RegisterNode records a node under its position hash. The first
// registration for a hash wins; later nodes for the same position link to
// the original via transposition instead.
func (t *Tree) RegisterNode(hash uint64, idx nodestore.NodeIndex) {
	t.hashMu.Lock()
	if _, ok := t.hashIndex[hash]; !ok {
		t.hashIndex[hash] = idx
	}
	t.hashMu.Unlock()
}

// LookupHash finds an in-tree node for a position hash.
func (t *Tree) LookupHash(hash uint64) (nodestore.NodeIndex, bool) {
	t.hashMu.RLock()
	idx, ok := t.hashIndex[hash]
	t.hashMu.RUnlock()
	return idx, ok
}

// WalkLine follows a move sequence from the root through child slots,
// returning the node index at the end. Fails with ErrNotReusable if any
// step is missing from the tree.
func (t *Tree) WalkLine(moves []chess.Move) (nodestore.NodeIndex, error) {
	cur := t.root
	for _, m := range moves {
		node := t.store.Node(cur)
		next := nodestore.NullNode
		for i := range t.store.Children(node) {
			slot := t.store.Child(node.ChildrenStart, i)
			if slot.Move == m {
				next = nodestore.NodeIndex(slot.Child.Load())
				break
			}
		}
		if next == nodestore.NullNode {
			return nodestore.NullNode, ErrNotReusable
		}
		cur = next
	}
	return cur, nil
}

// ReRoot moves the root down the given line. Nodes outside the new subtree
// are detached: nothing points at them from the retained subtree, and they
// are reclaimed when the tree is dropped. The parent/child invariant holds
// for every retained node.
func (t *Tree) ReRoot(moves []chess.Move) error {
	target, err := t.WalkLine(moves)
	if err != nil {
		return err
	}
	node := t.store.Node(target)
	node.ParentIndex = nodestore.NullNode
	node.IndexInParent = 0
	t.root = target
	for _, m := range moves {
		t.pos.PlayMove(m)
	}
	log.Debug().Uint32("newRoot", uint32(target)).
		Uint32("rootN", node.N.Load()).
		Msg("re-rooted tree")
	return nil
}

// SetPeer binds another tree whose cache may be mined for evaluations.
func (t *Tree) SetPeer(peer *Tree) {
	t.peerMu.Lock()
	t.peer = peer
	t.peerMu.Unlock()
}

// Peer returns the bound peer tree, if any.
func (t *Tree) Peer() *Tree {
	t.peerMu.Lock()
	defer t.peerMu.Unlock()
	return t.peer
}

// ClearSharedContext severs the peer back-reference. Called on a peer
// before binding it, so chains of ever-older contexts cannot pin memory.
func (t *Tree) ClearSharedContext() {
	t.peerMu.Lock()
	t.peer = nil
	t.peerMu.Unlock()
}
