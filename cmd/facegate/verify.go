package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrCodeEU/facegate/pkg/camera"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/MrCodeEU/facegate/pkg/verify"
)

var (
	verifyWorkers  int
	verifyAll      bool
	replayInterval time.Duration
)

type imageResult struct {
	path     string
	key      string
	score    float64
	accepted bool
	err      error
}

var verifyImageCmd = &cobra.Command{
	Use:   "verify-image <key> <image>...",
	Short: "Score still photos against an enrolled identity",
	Long: `Score still photos against an enrolled identity without a liveness
check. Useful for tuning match_threshold on a set of known photos.

With --all every argument is an image and each one is matched against
all enrolled identities instead.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if verifyAll {
			return cobra.MinimumNArgs(1)(cmd, args)
		}
		return cobra.MinimumNArgs(2)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		region, err := parseBox(faceBox)
		if err != nil {
			return err
		}

		eng, err := newEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		var gallery []storage.IdentityRecord
		paths := args
		if verifyAll {
			records, err := eng.store.List(ctx)
			if err != nil {
				return err
			}
			for _, r := range records {
				if r.Enrolled() {
					gallery = append(gallery, r)
				}
			}
			if len(gallery) == 0 {
				return errors.New("no enrolled identities to match against")
			}
		} else {
			target, err := eng.store.GetByKey(ctx, args[0])
			if err != nil {
				return err
			}
			if !target.Enrolled() {
				return fmt.Errorf("identity '%s' is registered but not enrolled", args[0])
			}
			gallery = []storage.IdentityRecord{*target}
			paths = args[1:]
		}

		embeddings := make([][]float32, len(gallery))
		for i, r := range gallery {
			embeddings[i] = r.Embedding
		}

		results := make([]imageResult, len(paths))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(verifyWorkers)
		for i, path := range paths {
			g.Go(func() error {
				results[i] = imageResult{path: path}
				data, err := os.ReadFile(path)
				if err != nil {
					results[i].err = err
					return nil
				}
				_, emb, err := eng.embed(gctx, data, region)
				if err != nil {
					results[i].err = err
					return nil
				}
				idx, score, ok := eng.scorer.BestMatch(emb, embeddings)
				switch {
				case idx >= 0:
					results[i].key = gallery[idx].Key
				case len(gallery) == 1:
					results[i].key = gallery[0].Key
				}
				results[i].score, results[i].accepted = score, ok
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintf(w, "IMAGE\tIDENTITY\tSCORE (%s)\tDECISION\n", eng.scorer.Metric)
		for _, r := range results {
			switch {
			case r.err != nil:
				fmt.Fprintf(w, "%s\t-\t-\terror: %v\n", r.path, r.err)
			case r.accepted:
				fmt.Fprintf(w, "%s\t%s\t%.2f\tmatch\n", r.path, r.key, r.score)
			default:
				fmt.Fprintf(w, "%s\t%s\t%.2f\tno match\n", r.path, r.key, r.score)
			}
		}
		w.Flush()
		fmt.Printf("\nThreshold: %.2f\n", eng.scorer.Threshold)
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <key> <directory>",
	Short: "Run a verification session over a recorded frame directory",
	Long: `Run a full verification session, liveness included, over a directory
of recorded frames. The directory holds the frame images and a
detections.jsonl index with one detector record per frame.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, dir := args[0], args[1]
		ctx := cmd.Context()

		src, err := camera.NewDirectorySource(dir)
		if err != nil {
			return err
		}
		defer src.Close()

		eng, err := newEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		session, err := eng.orch.Start(ctx, key)
		if err != nil {
			return err
		}
		if session.Enrollment() {
			fmt.Printf("Identity '%s' is not enrolled; this replay enrolls it.\n", key)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for out := range session.Updates() {
				fmt.Printf("  %s  %s\n", out.UpdatedAt.Format("15:04:05.000"), describe(out))
			}
		}()

		stats, err := camera.Pump(ctx, src, session, replayInterval)
		if err != nil {
			session.Close()
			return err
		}

		// Let the last frame finish before reading the result.
		waitIdle(ctx, session)
		final := session.Outcome()
		session.Close()
		<-done

		fmt.Printf("\nFrames: %d read, %d processed, %d dropped, %d unreadable\n",
			stats.Frames, stats.Submitted, stats.Dropped, stats.Errors)
		fmt.Printf("Result: %s\n", describe(final))
		if final.Status != verify.StatusAccepted {
			return fmt.Errorf("verification of '%s' did not succeed", key)
		}
		return nil
	},
}

func init() {
	verifyImageCmd.Flags().IntVar(&verifyWorkers, "workers", 4, "Images processed in parallel")
	verifyImageCmd.Flags().BoolVar(&verifyAll, "all", false, "Match each image against every enrolled identity")
	verifyImageCmd.Flags().StringVar(&faceBox, "box", "", "Face box as left,top,right,bottom instead of detecting it")
	replayCmd.Flags().DurationVar(&replayInterval, "interval", 100*time.Millisecond, "Delay between frames (0 replays as fast as possible)")
	rootCmd.AddCommand(verifyImageCmd, replayCmd)
}

func waitIdle(ctx context.Context, s *verify.Session) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.Busy() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func describe(o verify.Outcome) string {
	text := o.String()
	if o.Prompt != "" && o.Status != verify.StatusRejected {
		text += " - " + o.Prompt
	}
	if o.Attempts > 0 {
		text += fmt.Sprintf(" [attempts: %d]", o.Attempts)
	}
	return text
}
