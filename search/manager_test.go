package search

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"gopkg.in/yaml.v3"

	"github.com/domino14/macaw/nneval"
	"github.com/domino14/macaw/searchlimits"
)

func TestProgressCallback(t *testing.T) {
	is := is.New(t)
	tr := newTestTree(t, "")
	mgr := NewManager(tr, nneval.NewMockEvaluator(), nil, testParams(),
		searchlimits.MoveAllocation{Nodes: 2000})

	var mu sync.Mutex
	var snaps []Snapshot
	mgr.SetProgress(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	_, err := mgr.Search(context.Background())
	is.NoErr(err)

	mu.Lock()
	defer mu.Unlock()
	// At minimum the final snapshot arrives.
	is.True(len(snaps) >= 1)
	last := snaps[len(snaps)-1]
	is.Equal(last.Nodes, uint64(2000))
	is.True(last.Depth > 0)
	is.True(len(last.PV) > 0)
	is.True(last.TimeMs >= 0)
}

func TestLogStream(t *testing.T) {
	is := is.New(t)
	tr := newTestTree(t, "")
	mgr := NewManager(tr, nneval.NewMockEvaluator(), nil, testParams(),
		searchlimits.MoveAllocation{Nodes: 300})
	var buf bytes.Buffer
	mgr.SetLogStream(&buf)
	_, err := mgr.Search(context.Background())
	is.NoErr(err)

	is.True(buf.Len() > 0)
	// The stream is a sequence of YAML documents, one per applied batch.
	dec := yaml.NewDecoder(&buf)
	iters := 0
	for {
		var batch []LogIteration
		if err := dec.Decode(&batch); err != nil {
			break
		}
		iters += len(batch)
		for _, li := range batch {
			is.True(li.Applied > 0)
			is.True(li.RootN > 0)
		}
	}
	is.True(iters > 0)
}

func TestRootStatsString(t *testing.T) {
	is := is.New(t)
	tr := newTestTree(t, "")
	_, res := runNodesSearch(t, tr, testParams(), nneval.NewMockEvaluator(), 200)
	out := RootStatsString(tr)
	is.True(strings.Contains(out, "Move"))
	is.True(strings.Contains(out, res.BestMove.String()))
	// One line per visited root child plus the header.
	is.Equal(len(strings.Split(strings.TrimSpace(out), "\n")), 21)
}

func TestPVStartsWithMostVisited(t *testing.T) {
	is := is.New(t)
	tr := newTestTree(t, "6k1/5ppp/8/8/8/8/5PPP/R5K1 w - - 0 1")
	_, res := runNodesSearch(t, tr, testParams(), nneval.NewMockEvaluator(), 800)
	is.True(len(res.PV) >= 1)
	is.Equal(res.PV[0], res.BestMove)
}

func TestTimeLimitedSearchStops(t *testing.T) {
	is := is.New(t)
	tr := newTestTree(t, "")
	mgr := NewManager(tr, nneval.NewMockEvaluator(), nil, testParams(),
		searchlimits.MoveAllocation{Duration: 50 * time.Millisecond})
	res, err := mgr.Search(context.Background())
	is.NoErr(err)
	is.True(res.HasBestMove)
	is.True(res.Elapsed.Milliseconds() < 5000)
	is.NoErr(CheckNoInflight(tr))
}
