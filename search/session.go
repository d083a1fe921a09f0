package search

import (
	"context"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/domino14/macaw/chess"
	"github.com/domino14/macaw/config"
	"github.com/domino14/macaw/nneval"
	"github.com/domino14/macaw/nodestore"
	"github.com/domino14/macaw/poscache"
	"github.com/domino14/macaw/searchlimits"
	"github.com/domino14/macaw/tree"
)

// SessionOptions configure a Session at creation.
type SessionOptions struct {
	Params    Params
	CacheMode poscache.Mode
	CacheSize int

	NodeCapacity  uint32
	ChildCapacity uint32

	// AllowSharing authorizes peer sessions to mine this session's cache.
	AllowSharing bool

	LimitManager searchlimits.Manager
}

// SessionOptionsFromConfig derives options from the engine config.
func SessionOptionsFromConfig(cfg *config.Config) SessionOptions {
	mode := poscache.ModeReadWrite
	switch cfg.CacheMode {
	case config.CacheModeOff:
		mode = poscache.ModeOff
	case config.CacheModeReadOnly:
		mode = poscache.ModeReadOnly
	}
	return SessionOptions{
		Params:        ParamsFromConfig(cfg),
		CacheMode:     mode,
		CacheSize:     cfg.CacheSize,
		NodeCapacity:  uint32(cfg.NodeStoreCapacity),
		ChildCapacity: uint32(cfg.ChildStoreCapacity),
		LimitManager:  searchlimits.NewDefaultManager(),
	}
}

// Session owns a Tree across multiple searches for one side in one game,
// plus the cache those trees share, the evaluators, and the limit manager
// that apportions game budgets to moves.
type Session struct {
	opts      SessionOptions
	evaluator nneval.Evaluator
	secondary nneval.Evaluator
	limits    searchlimits.Manager

	cache *poscache.Cache
	tree  *tree.Tree
	peer  *Session

	hist     searchlimits.GameHistory
	warmedUp bool

	progress  ProgressFunc
	logStream io.Writer
}

func NewSession(evaluator, secondary nneval.Evaluator, opts SessionOptions) *Session {
	if opts.LimitManager == nil {
		opts.LimitManager = searchlimits.NewDefaultManager()
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = 1 << 20
	}
	return &Session{
		opts:      opts,
		evaluator: evaluator,
		secondary: secondary,
		limits:    opts.LimitManager,
		cache:     poscache.New(opts.CacheSize, opts.CacheMode),
	}
}

// SetProgress installs a progress callback used for subsequent searches.
func (s *Session) SetProgress(fn ProgressFunc) {
	s.progress = fn
}

// SetLogStream attaches a per-batch YAML log stream to subsequent
// searches.
func (s *Session) SetLogStream(w io.Writer) {
	s.logStream = w
}

// Cache exposes the session's position cache (peer mining reads it).
func (s *Session) Cache() *poscache.Cache {
	return s.cache
}

// Tree returns the currently retained tree, if any.
func (s *Session) Tree() *tree.Tree {
	return s.tree
}

// Identity is the primary evaluator's identity; peers must match it to
// share evaluations.
func (s *Session) Identity() nneval.Identity {
	return s.evaluator.Identity()
}

// ClearSharedContext drops the peer back-reference.
func (s *Session) ClearSharedContext() {
	s.peer = nil
	if s.tree != nil {
		s.tree.ClearSharedContext()
	}
}

// BindPeer authorizes mining the peer's cache during our searches. The
// sessions must run identical evaluators and cache modes, and the peer
// must allow sharing. Binding severs the peer's own back-reference so
// contexts cannot chain.
func (s *Session) BindPeer(peer *Session) error {
	if !peer.opts.AllowSharing {
		return ErrPeerNotCompatible
	}
	if !s.Identity().Compatible(peer.Identity()) {
		return ErrPeerNotCompatible
	}
	if s.opts.CacheMode != peer.opts.CacheMode {
		return ErrPeerNotCompatible
	}
	peer.ClearSharedContext()
	s.peer = peer
	return nil
}

func (s *Session) newTree(pos *chess.PositionWithHistory) (*tree.Tree, error) {
	store := nodestore.New(s.opts.NodeCapacity, s.opts.ChildCapacity)
	t, err := tree.New(store, s.cache, pos)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Session) attachPeer(t *tree.Tree) {
	if s.peer != nil && s.peer.tree != nil && s.opts.Params.ReusePeerEvaluations {
		t.SetPeer(s.peer.tree)
	}
}

func (s *Session) warmup(ctx context.Context) error {
	if s.warmedUp {
		return nil
	}
	if err := s.evaluator.Warmup(ctx); err != nil {
		return err
	}
	if s.secondary != nil {
		if err := s.secondary.Warmup(ctx); err != nil {
			log.Warn().Err(err).Msg("secondary evaluator warmup failed")
		}
	}
	s.warmedUp = true
	return nil
}

func (s *Session) runSearch(ctx context.Context, t *tree.Tree,
	limit searchlimits.SearchLimit, verbose bool) (*Result, error) {
	alloc := s.limits.Allocate(limit, s.hist)
	mgr := NewManager(t, s.evaluator, s.secondary, s.opts.Params, alloc)
	if verbose && s.progress != nil {
		mgr.SetProgress(s.progress)
	}
	if s.logStream != nil {
		mgr.SetLogStream(s.logStream)
	}
	if s.hist.MovesPlayed == 0 && s.opts.Params.FirstMoveTemperature > 0 {
		mgr.MarkFirstMove()
	}
	res, err := mgr.Search(ctx)
	if err != nil {
		return res, err
	}
	s.hist.MovesPlayed++
	s.hist.NodesSpent += res.Visits
	s.hist.TimeSpent += res.Elapsed
	s.hist.RootQHistory = append(s.hist.RootQHistory, res.RootQ)
	return res, nil
}

// Search runs a fresh search: any retained tree is dropped and a new one
// is built at pos.
func (s *Session) Search(ctx context.Context, pos *chess.PositionWithHistory,
	limit searchlimits.SearchLimit, verbose bool) (*Result, error) {
	if err := s.warmup(ctx); err != nil {
		return nil, err
	}
	t, err := s.newTree(pos)
	if err != nil {
		return nil, err
	}
	s.tree = t
	s.attachPeer(t)
	return s.runSearch(ctx, t, limit, verbose)
}

// SearchContinue searches pos, reusing the retained tree when pos extends
// the prior root's line and the relevant subtree holds at least the
// configured fraction of the prior visits. Otherwise it falls back to a
// fresh search transparently. A position that does not extend the prior
// game line at all is fatal to the session.
func (s *Session) SearchContinue(ctx context.Context, pos *chess.PositionWithHistory,
	limit searchlimits.SearchLimit, verbose bool) (*Result, error) {
	if s.tree == nil {
		return s.Search(ctx, pos, limit, verbose)
	}
	prior := s.tree.Position()
	if prior.StartFen() != pos.StartFen() || !prior.SharesLine(pos) ||
		pos.Ply() < prior.Ply() {
		return nil, ErrInconsistentContinuation
	}
	forward := pos.Moves()[prior.Ply():]

	priorRootN := s.tree.RootNode().N.Load()
	reused := false
	if target, err := s.tree.WalkLine(forward); err == nil {
		reusableN := s.tree.Store().Node(target).N.Load()
		threshold := uint32(float64(priorRootN) * s.opts.Params.TreeReuseThreshold)
		if reusableN >= threshold && reusableN > 0 {
			if err := s.tree.ReRoot(forward); err == nil {
				reused = true
				log.Debug().Uint32("reusableN", reusableN).
					Uint32("priorRootN", priorRootN).
					Msg("continuing on retained subtree")
			}
		}
	}
	if !reused {
		t, err := s.newTree(pos)
		if err != nil {
			return nil, err
		}
		s.tree = t
	}
	s.attachPeer(s.tree)
	return s.runSearch(ctx, s.tree, limit, verbose)
}

// ResetGame drops the retained tree and the game history, keeping the
// cache and evaluators.
func (s *Session) ResetGame() {
	s.tree = nil
	s.hist = searchlimits.GameHistory{}
}
