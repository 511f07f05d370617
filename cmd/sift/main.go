package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/screenager/minilm/internal/embed"
	"github.com/screenager/minilm/internal/index"
	"github.com/screenager/minilm/internal/minilm"
	"github.com/screenager/minilm/internal/tui"
	"github.com/screenager/minilm/internal/watcher"
)

var (
	defaultModelDir = "./models"
	defaultSiftDir  = ".sift"
	defaultMaxFile  = 512
)

func main() {
	root := &cobra.Command{
		Use:   "sift",
		Short: "Local semantic search for developers",
		Long:  "sift — fast, offline semantic file search powered by a hand-rolled six-layer encoder and HNSW.",
	}

	var cfg struct {
		ModelDir  string `toml:"model-dir"`
		MaxFileKB int    `toml:"max-file-kb"`
	}

	if b, err := os.ReadFile(".sift.toml"); err == nil {
		if err := toml.Unmarshal(b, &cfg); err == nil {
			if cfg.ModelDir != "" {
				defaultModelDir = cfg.ModelDir
			}
			if cfg.MaxFileKB > 0 {
				defaultMaxFile = cfg.MaxFileKB
			}
		}
	}

	var modelDir string
	var maxFileKB int
	root.PersistentFlags().StringVar(&modelDir, "model-dir", defaultModelDir, "directory containing weights.tbf and vocab.txt")
	root.PersistentFlags().IntVar(&maxFileKB, "max-file-kb", defaultMaxFile, "skip indexing files larger than this (in KB)")

	// openIndex loads the model and index, printing status so the user knows
	// it isn't stuck (model loading can take 1–4s on first run).
	openIndex := func() (*index.Index, error) {
		fmt.Fprint(os.Stderr, "Loading model… ")
		idx, err := index.Open(defaultSiftDir, modelDir, maxFileKB)
		if err != nil {
			fmt.Fprintln(os.Stderr, "")
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "ready.")
		return idx, nil
	}

	// indexDirs indexes directories using ctx for cancellation.
	// Indexing checks ctx only between files and between embedding batches,
	// never inside an embed call, so we start a hard-exit goroutine that terminates the process after a 1s
	// grace period if cancellation doesn't land in time. A "done" channel
	// cancels the goroutine on clean exit so the interrupt message never
	// prints spuriously.
	indexDirs := func(ctx context.Context, idx *index.Index, dirs []string) error {
		done := make(chan struct{})
		defer close(done)

		go func() {
			select {
			case <-done:
				return // clean exit — do nothing
			case <-ctx.Done():
				fmt.Fprintln(os.Stderr, "\n[sift] stopping — waiting up to 1s for current embed to finish…")
				select {
				case <-done:
					return // finished before timeout
				case <-time.After(time.Second):
					fmt.Fprintln(os.Stderr, "[sift] exiting.")
					os.Exit(130)
				}
			}
		}()

		prog := makeProgressPrinter()
		for _, dir := range dirs {
			fmt.Fprintf(os.Stderr, "Scanning %s…\n", dir)
			err := idx.IndexDirWithProgress(ctx, dir, prog)
			if err != nil {
				if isInterrupted(err) {
					fmt.Fprintln(os.Stderr, "\nInterrupted — saving partial index…")
					return nil
				}
				return err
			}
		}
		return nil

	}

	// ---- sift index <dir> --------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "index <dir> [dir...]",
		Short: "Index all supported files in a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			idx, err := openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := indexDirs(ctx, idx, args); err != nil {
				return err
			}
			if err := idx.Flush(); err != nil {
				return err
			}
			s := idx.Stats()
			fmt.Fprintf(os.Stderr, "Done. %d chunks from %d files indexed.\n", s.NumChunks, s.NumFiles)
			return nil
		},
	})

	// ---- sift search <query> -----------------------------------------------
	var jsonExport bool
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Non-interactive semantic search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			idx, err := openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()

			results, err := idx.Search(query, 10)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				if jsonExport {
					fmt.Println("[]")
				} else {
					fmt.Println("no results")
				}
				return nil
			}
			if jsonExport {
				j, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Println(string(j))
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d  %.3f  %s:%d\n    %s\n\n",
					i+1, r.Score, r.Meta.Path, r.Meta.LineNum, r.Meta.Text)
			}
			return nil
		},
	}
	searchCmd.Flags().BoolVar(&jsonExport, "json", false, "output search results as JSON")
	root.AddCommand(searchCmd)

	// ---- sift watch <dir> --------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Index a directory then watch it for changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			idx, err := openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := indexDirs(ctx, idx, args); err != nil {
				return err
			}
			if err := idx.Flush(); err != nil {
				return err
			}
			s := idx.Stats()
			fmt.Fprintf(os.Stderr, "Done. %d chunks indexed. Watching for changes… (Ctrl+C to stop)\n", s.NumChunks)

			w, err := watcher.New(idx)
			if err != nil {
				return err
			}

			done := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(done)
			}()

			for _, dir := range args {
				go func(d string) {
					if err := w.Watch(d, done); err != nil {
						fmt.Fprintf(os.Stderr, "watch error %s: %v\n", d, err)
					}
				}(dir)
			}
			<-done
			return nil
		},
	})

	// ---- sift tui ----------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Launch interactive BubbleTea search interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()

			m := tui.New(idx)
			p := tea.NewProgram(m, tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	})

	// ---- sift stats --------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()

			s := idx.Stats()
			fmt.Printf("chunks:    %d\n", s.NumChunks)
			fmt.Printf("files:     %d\n", s.NumFiles)
			fmt.Printf("size:      %d KB\n", s.IndexSizeKB)
			if !s.LastUpdated.IsZero() {
				fmt.Printf("updated:   %s\n", s.LastUpdated.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	})

	// ---- sift clear --------------------------------------------------------
	var forceFlag bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the sift index (.sift/ directory)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(defaultSiftDir); os.IsNotExist(err) {
				fmt.Println("No index found — nothing to clear.")
				return nil
			}
			if !forceFlag {
				fmt.Printf("Remove %s? This cannot be undone. [y/N] ", defaultSiftDir)
				var ans string
				fmt.Scanln(&ans)
				if ans != "y" && ans != "Y" {
					fmt.Println("Aborted.")
					return nil
				}
			}
			if err := os.RemoveAll(defaultSiftDir); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Println("Index cleared.")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&forceFlag, "force", false, "skip confirmation prompt")
	root.AddCommand(clearCmd)

	// ---- sift rebuild -------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "rebuild <dir> [dir...]",
		Short: "Wipe and rebuild the index from scratch (ignores skip-cache)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			idx, err := openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()

			for _, dir := range args {
				fmt.Fprintf(os.Stderr, "Rebuilding index for %s…\n", dir)
				if err := idx.RebuildFromDir(ctx, dir); err != nil {
					if !isInterrupted(err) {
						return err
					}
					fmt.Fprintln(os.Stderr, "\nInterrupted — saving partial index…")
				}
			}
			if err := idx.Flush(); err != nil {
				return err
			}
			s := idx.Stats()
			fmt.Fprintf(os.Stderr, "Done. %d chunks from %d files.\n", s.NumChunks, s.NumFiles)
			return nil
		},
	})

	// ---- sift bench --------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "bench",
		Short: "Benchmark tokenizer and forward-pass speed on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Loading model… ")
			e, err := embed.New(modelDir)
			if err != nil {
				return err
			}
			defer e.Close()
			fmt.Fprintln(os.Stderr, "ready.")

			texts := []struct {
				label string
				text  string
			}{
				{"short (9 words)   ", "the quick brown fox jumps over the lazy dog"},
				{"medium (200 words)", strings.Repeat("the quick brown fox ", 50)},
				{"long (180 words)  ", strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)},
			}

			fmt.Printf("\n%-20s  %10s  %10s  %10s\n", "text size", "tokenize", "forward", "total")
			fmt.Println(strings.Repeat("─", 55))
			for _, tc := range texts {
				tok, fwd, tot, err := e.BenchmarkSingle(tc.text)
				if err != nil {
					return fmt.Errorf("bench %s: %w", tc.label, err)
				}
				fmt.Printf("%-20s  %10s  %10s  %10s\n", tc.label,
					tok.Round(time.Millisecond),
					fwd.Round(time.Millisecond),
					tot.Round(time.Millisecond))
			}
			fmt.Printf("\nIf forward pass >500ms, the weight container may be unexpectedly large.\n")
			return nil
		},
	})

	// ---- sift embed <text> --------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "embed <text>",
		Short: "Embed a single string and print its 384-dimensional vector",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")

			e, err := embed.New(modelDir)
			if err != nil {
				return err
			}
			defer e.Close()

			vecs, err := e.Embed([]string{text})
			if err != nil {
				return err
			}

			j, err := json.Marshal(vecs[0])
			if err != nil {
				return fmt.Errorf("marshal vector: %w", err)
			}
			fmt.Println(string(j))
			return nil
		},
	})

	// ---- sift debug-attention <text> ----------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "debug-attention <text>",
		Short: "Print layer-0 self-attention masking and softmax diagnostics for one input",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")

			tbfPath := filepath.Join(modelDir, "weights.tbf")
			vocabPath := filepath.Join(modelDir, "vocab.txt")
			m, err := minilm.Create(tbfPath, vocabPath)
			if err != nil {
				return err
			}
			defer m.Destroy()

			r, err := m.DebugAttention(text)
			if err != nil {
				return err
			}

			fmt.Printf("tokenized %q: %d tokens\n", text, len(r.TokenIDs))
			fmt.Printf("first 10 token IDs: %v\n", r.TokenIDs[:min(10, len(r.TokenIDs))])
			fmt.Printf("non-padding: %d, padding: %d (out of %d total)\n\n",
				r.NumNonPadding, r.NumPadding, len(r.TokenIDs))

			fmt.Println("before masking — head 0, query 0, first 10 keys:")
			fmt.Printf("  %v\n\n", r.ScoresBeforeMask)

			fmt.Printf("masked %d positions\n\n", r.MaskedCount)

			fmt.Println("after masking — head 0, query 0, first 10 keys:")
			fmt.Printf("  %v\n\n", r.ScoresAfterMask)

			fmt.Println("after softmax — head 0, query 0, first 10 keys:")
			fmt.Printf("  %v\n", r.SoftmaxFirst10)
			fmt.Printf("sum of first 10: %.6f\n", r.SoftmaxSumFirst10)
			fmt.Printf("sum of all %d: %.6f (should be ~1.0)\n", len(r.TokenIDs), r.SoftmaxSumAll)
			fmt.Printf("positions with value < 1e-10: %d out of %d\n", r.NearZeroCount, len(r.TokenIDs))
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// isInterrupted returns true if err indicates a context cancellation or deadline.
func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// makeProgressPrinter returns a ProgressFunc that prints a compact progress line.
// Skipped files (mtime cache hit) are shown with · instead of a percentage.
func makeProgressPrinter() index.ProgressFunc {
	return func(done, total int, path string, skipped bool) {
		short := filepath.Base(filepath.Dir(path)) + "/" + filepath.Base(path)
		if skipped {
			fmt.Fprintf(os.Stderr, "\r  [%d/%d]  ·   %-50s", done, total, short)
		} else {
			pct := 100 * done / total
			if done < total {
				fmt.Fprintf(os.Stderr, "\r  [%d/%d] %3d%%  %-50s",
					done, total, pct, short)
			} else {
				fmt.Fprintf(os.Stderr, "\r  [%d/%d] 100%%  %-50s\n",
					done, total, short)
			}
		}
	}
}
