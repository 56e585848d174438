// Package pipeline wires the Binary Loader, Instruction Decoder, Function
// Analyzer, Call Graph Builder, Entrypoint Model, and Stack Composer into
// the single per-invocation analysis context spec.md §9 calls for: created
// fresh for one (binary, config) pair, released once the report is
// produced.
package pipeline

import (
	"runtime"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"stackdepth/internal/analyzer"
	"stackdepth/internal/callgraph"
	"stackdepth/internal/compose"
	"stackdepth/internal/config"
	"stackdepth/internal/entrypoint"
	"stackdepth/internal/errs"
	"stackdepth/internal/loader"
)

var log = logrus.WithField("component", "pipeline")

// Analysis is everything one invocation produced, handed to the CLI/report
// layer. Results is the only thing the report layer renders; the CLI also
// reads Functions for its --dump-cfg debug output.
type Analysis struct {
	Image       *loader.Image
	Functions   []*analyzer.Function
	Graph       *callgraph.Graph
	Entrypoints []entrypoint.Entrypoint
	Results     []compose.Result
}

// Run executes the full pipeline for one binary and an optional config
// file (configPath == "" uses an all-defaults configuration). It returns
// an error only for failures that abort the whole run (malformed binary,
// invalid config); per-entrypoint composition failures are reported inside
// Analysis.Results instead, per spec.md §7's "global analysis always
// completes" policy.
func Run(binaryPath, configPath string) (*Analysis, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	img, err := loader.Load(binaryPath)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"binary": binaryPath, "functions": len(img.Symbols)}).Info("loaded binary")

	fns := analyzeAll(img)

	hints, err := cfg.Hints()
	if err != nil {
		return nil, err
	}
	graph, err := callgraph.Build(fns, hints)
	if err != nil {
		return nil, err
	}

	eps, err := entrypoint.Build(img.Vectors, img, &cfg.Entrypoints)
	if err != nil {
		return nil, err
	}

	results := compose.Compose(eps, graph)

	return &Analysis{Image: img, Functions: fns, Graph: graph, Entrypoints: eps, Results: results}, nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return &config.Config{Version: 1}, nil
	}
	return config.Load(configPath)
}

// analyzeAll decodes and analyzes every function symbol independently, in
// parallel (spec.md §5: "per-function analysis is independent and may be
// parallelized across functions"), bounded to GOMAXPROCS workers. Results
// are returned in the same ascending-address order img.Symbols provides.
func analyzeAll(img *loader.Image) []*analyzer.Function {
	syms := img.Symbols
	fns := make([]*analyzer.Function, len(syms))

	sem := make(chan struct{}, runtime.GOMAXPROCS(0))
	var wg sync.WaitGroup
	for i, sym := range syms {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, sym loader.Symbol) {
			defer wg.Done()
			defer func() { <-sem }()
			fns[i] = analyzer.Analyze(img, img, sym)
		}(i, sym)
	}
	wg.Wait()
	return fns
}

// HasFatal reports whether any entrypoint's composition failed.
func (a *Analysis) HasFatal() bool {
	for _, r := range a.Results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

// FatalKinds returns the distinct error sentinels seen across every failed
// entrypoint, sorted for deterministic display.
func (a *Analysis) FatalKinds() []error {
	seen := make(map[error]bool)
	for _, r := range a.Results {
		if r.Err == nil {
			continue
		}
		if kind := errs.Kind(r.Err); kind != nil {
			seen[kind] = true
		}
	}
	out := make([]error, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Error() < out[j].Error() })
	return out
}

// ExitCode classifies a top-level pipeline error (from Run, before any
// Analysis exists) into the exit codes spec.md §6 defines: 2 for config
// or usage errors, 4 for a malformed binary, 3 for anything else the
// analysis core rejected outright.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch errs.Kind(err) {
	case errs.ErrConfigInvalid:
		return 2
	case errs.ErrBinaryMalformed:
		return 4
	case nil:
		return 2
	default:
		return 3
	}
}
