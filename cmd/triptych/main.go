// Command triptych runs the multi-variant poem translation engine: a worker
// loop over the translation and alignment queues, plus a one-shot translate
// mode for local use.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/verselab/triptych/internal/align"
	"github.com/verselab/triptych/internal/config"
	"github.com/verselab/triptych/internal/generator"
	"github.com/verselab/triptych/internal/kv"
	"github.com/verselab/triptych/internal/llm"
	"github.com/verselab/triptych/internal/llm/providers/openaicompat"
	"github.com/verselab/triptych/internal/logging"
	"github.com/verselab/triptych/internal/queue"
	"github.com/verselab/triptych/internal/recipecache"
	"github.com/verselab/triptych/internal/regen"
	"github.com/verselab/triptych/internal/scheduler"
	"github.com/verselab/triptych/internal/threadstate"
	"github.com/verselab/triptych/internal/worker"
)

// Ticks per thread within each window; protects upstream providers from a
// single hot thread.
var tickRates = map[time.Duration]int{
	time.Second: 2,
	time.Minute: 60,
}

func main() {
	root := &cobra.Command{
		Use:           "triptych",
		Short:         "multi-variant poem translation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to YAML config (optional; env vars still apply)")
	root.PersistentFlags().Bool("pretty", isatty.IsTerminal(os.Stderr.Fd()), "human-readable console logs")

	root.AddCommand(newWorkerCmd())
	root.AddCommand(newTranslateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "triptych:", err)
		os.Exit(1)
	}
}

func loadSetup(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	pretty, _ := cmd.Flags().GetBool("pretty")

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, zerolog.Logger{}, err
	}
	return cfg, logging.Setup(os.Stderr, pretty), nil
}

// engine bundles everything a command needs to push poems through.
type engine struct {
	cfg      config.Config
	logger   zerolog.Logger
	states   *threadstate.MemoryStore
	kvStore  *kv.MemoryStore
	counters *llm.Counters
	tq       *queue.TranslationQueue
	aq       *queue.AlignmentQueue
	worker   *worker.Worker
}

func buildEngine(cfg config.Config, logger zerolog.Logger, staticRecipes bool) *engine {
	adapter := openaicompat.NewAdapter(openaicompat.Config{
		Provider: cfg.Provider.Name,
		APIKey:   cfg.Provider.APIKey,
		BaseURL:  cfg.Provider.BaseURL,
	})
	counters := &llm.Counters{}
	caps := llm.DefaultCapabilities()
	client := llm.NewClient(adapter, caps, counters, logging.Component(logger, "llm", cfg.Debug))

	states := threadstate.NewMemoryStore()
	kvStore := kv.NewMemoryStore()

	recipes := recipecache.New(states, kvStore, recipecache.NewLLMGenerator(client, cfg.Provider.Model), logging.Component(logger, "lock", cfg.Debug))
	recipes.UseStatic = staticRecipes

	gen := generator.New(client, cfg.Provider.Model, logging.Component(logger, "variants", cfg.Debug))
	rg := regen.New(client, logging.Component(logger, "regen", cfg.Debug))
	limiter := catrate.NewLimiter(tickRates)
	sched := scheduler.New(states, kvStore, recipes, gen, rg, caps, cfg, limiter, logging.Component(logger, "scheduler", cfg.Debug))

	aligner := align.New(client, states, cfg.Provider.Model, logging.Component(logger, "align", cfg.Debug))
	tq := queue.NewTranslationQueue(kvStore)
	aq := queue.NewAlignmentQueue(kvStore)
	w := worker.New(cfg, tq, aq, sched, aligner, states, kvStore, logging.Component(logger, "worker", cfg.Debug))

	return &engine{
		cfg:      cfg,
		logger:   logger,
		states:   states,
		kvStore:  kvStore,
		counters: counters,
		tq:       tq,
		aq:       aq,
		worker:   w,
	}
}

func (e *engine) reportCounters() {
	c := e.counters.Snapshot()
	e.logger.Info().
		Int64("calls", c.Calls).
		Int64("failures", c.Failures).
		Int64("prompt_tokens", c.PromptTokens).
		Int64("completion_tokens", c.CompletionTokens).
		Int64("params_rejected", c.ParamsRejected).
		Int64("stop_fallbacks", c.StopFallbacks).
		Msg("llm usage")
}
