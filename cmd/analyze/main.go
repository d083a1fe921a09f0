package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/domino14/macaw/chess"
	"github.com/domino14/macaw/config"
	"github.com/domino14/macaw/nneval"
	"github.com/domino14/macaw/search"
	"github.com/domino14/macaw/searchlimits"
)

var (
	fen        = flag.String("fen", "", "position to analyze; empty means the start position")
	nodes      = flag.Uint64("nodes", 10000, "node budget for the search")
	movetimeMs = flag.Int("movetime-ms", 0, "time budget in milliseconds; overrides -nodes when set")
	noFutility = flag.Bool("no-futility", false, "search the full budget even with a decided best move")
)

func main() {
	flag.Parse()

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = log.Output(output)

	cfg := &config.Config{}
	if err := cfg.Load(nil); err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if *noFutility {
		cfg.FutilityPruningStopSearch = false
	}

	var evaluator nneval.Evaluator
	if cfg.ModelPath != "" {
		onnx, err := nneval.NewOnnxEvaluator(cfg.ModelPath, cfg.NetworkID)
		if err != nil {
			log.Fatal().Err(err).Msg("loading ONNX evaluator")
		}
		evaluator = onnx
	} else {
		log.Info().Msg("no model path configured; using the mock evaluator")
		evaluator = nneval.NewMockEvaluator()
	}
	var secondary nneval.Evaluator
	if cfg.SecondaryNetworkID != "" && cfg.ModelPath != "" {
		log.Warn().Str("secondaryNetworkID", cfg.SecondaryNetworkID).
			Msg("secondary network configured but no second model path; skipping")
	}

	pos := chess.StartingPosition()
	if *fen != "" {
		var err error
		pos, err = chess.NewPosition(*fen)
		if err != nil {
			log.Fatal().Err(err).Str("fen", *fen).Msg("parsing position")
		}
	}

	session := search.NewSession(evaluator, secondary, search.SessionOptionsFromConfig(cfg))
	session.SetProgress(func(s search.Snapshot) {
		pv := strings.Join(lo.Map(s.PV, func(m chess.Move, _ int) string {
			return m.String()
		}), " ")
		fmt.Printf("info depth %.1f nodes %d nps %.0f score cp %d wdl %.3f/%.3f/%.3f time %d pv %s\n",
			s.Depth, s.Nodes, s.NPS, s.ScoreCP, s.WDL[0], s.WDL[1], s.WDL[2], s.TimeMs, pv)
	})

	limit := searchlimits.SearchLimit{Kind: searchlimits.NodesPerMove, Nodes: *nodes}
	if *movetimeMs > 0 {
		limit = searchlimits.SearchLimit{
			Kind:    searchlimits.SecondsPerMove,
			Seconds: float64(*movetimeMs) / 1000.0,
		}
	}

	res, err := session.Search(context.Background(), pos, limit, true)
	if err == search.ErrTerminalAtRoot {
		fmt.Printf("bestmove (none): position is %s\n", res.TerminalReason)
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("search failed")
	}

	fmt.Println(search.RootStatsString(session.Tree()))
	fmt.Printf("bestmove %s\n", res.BestMove.String())
}
