package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/verselab/triptych/internal/job"
	"github.com/verselab/triptych/internal/threadstate"
)

func newTranslateCmd() *cobra.Command {
	var (
		targetLang    string
		sourceLang    string
		zone          string
		model         string
		staticRecipes bool
	)
	cmd := &cobra.Command{
		Use:   "translate [flags] <poem-file>...",
		Short: "translate poems and print the three variants per line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadSetup(cmd)
			if err != nil {
				return err
			}
			eng := buildEngine(cfg, logger, staticRecipes)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var threads []string
			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				poem := strings.TrimRight(string(raw), "\n")
				if strings.TrimSpace(poem) == "" {
					return fmt.Errorf("%s: poem is empty", path)
				}

				threadID := strings.ToLower(ulid.Make().String())
				state := &threadstate.State{
					RawPoem: poem,
					GuideAnswers: threadstate.GuideAnswers{
						TranslationZone:  zone,
						TargetLanguage:   threadstate.TargetLanguage{Lang: targetLang},
						TranslationModel: model,
					},
					PoemAnalysis: threadstate.PoemAnalysis{Language: sourceLang},
					Job: job.New(poem, job.GuidePreferences{
						TranslationZone:  zone,
						TargetLanguage:   targetLang,
						TranslationModel: model,
					}, time.Now()),
				}
				if err := eng.states.Create(ctx, threadID, state); err != nil {
					return err
				}
				if _, err := eng.tq.Enqueue(ctx, threadID); err != nil {
					return err
				}
				threads = append(threads, threadID)
				logger.Info().Str("thread", threadID).Str("poem", path).Msg("enqueued")
			}

			if err := eng.runUntilDone(ctx, threads); err != nil {
				return err
			}
			eng.reportCounters()

			for i, threadID := range threads {
				if err := eng.printResult(ctx, cmd.OutOrStdout(), args[i], threadID); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&targetLang, "to", "es", "target language code")
	cmd.Flags().StringVar(&sourceLang, "from", "en", "source language code")
	cmd.Flags().StringVar(&zone, "zone", "balanced", "translation zone: focused, balanced, or adventurous")
	cmd.Flags().StringVar(&model, "model", "", "model override for this run")
	cmd.Flags().BoolVar(&staticRecipes, "static-recipes", false, "use deterministic built-in recipes instead of generating them")
	return cmd
}

// runUntilDone polls until every thread's job reaches a terminal status and
// its alignment queue is drained, or the context is canceled.
func (e *engine) runUntilDone(ctx context.Context, threads []string) error {
	for {
		e.worker.Poll(ctx)

		done := true
		for _, threadID := range threads {
			state, _, err := e.states.Load(ctx, threadID)
			if err != nil {
				return err
			}
			j := state.Job
			if j.Status != job.StatusCompleted && j.Status != job.StatusFailed {
				done = false
				break
			}
			if pendingAlignment(j) {
				done = false
				break
			}
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

func pendingAlignment(j *job.Job) bool {
	for _, c := range j.Chunks {
		for _, l := range c.Lines {
			if l.TranslationStatus == job.LineTranslated && l.AlignmentStatus == job.AlignPending {
				return true
			}
		}
	}
	return false
}

func (e *engine) printResult(ctx context.Context, w io.Writer, path, threadID string) error {
	state, _, err := e.states.Load(ctx, threadID)
	if err != nil {
		return err
	}
	j := state.Job

	fmt.Fprintf(w, "%s (%s)\n", path, j.Status)
	if j.LastError != "" {
		fmt.Fprintf(w, "  error: %s\n", j.LastError)
	}
	for _, idx := range j.ChunkIndices() {
		c := j.Chunks[idx]
		for _, l := range c.Lines {
			fmt.Fprintf(w, "\n  %d  %s\n", l.LineNumber+1, l.OriginalText)
			if l.TranslationStatus != job.LineTranslated {
				fmt.Fprintf(w, "     [%s] %s\n", l.TranslationStatus, l.Quality.Reason)
				continue
			}
			for _, v := range l.Translations {
				fmt.Fprintf(w, "     %s  %s\n", v.Label, v.Text)
			}
		}
	}
	fmt.Fprintln(w)
	return nil
}
