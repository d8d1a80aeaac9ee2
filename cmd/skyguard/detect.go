package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/analyzer"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/jobs"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/media"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/store"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/stream"
)

var detectCmd = &cobra.Command{
	Use:   "detect <file-or-url>",
	Short: "Run detection on one video or image and print the job summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runDetect,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete uploads and outputs older than storage.max_file_age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		n, err := media.Sweep([]string{cfg.Storage.UploadDir, cfg.Storage.OutputDir}, cfg.Storage.MaxFileAge, time.Now())
		log.Info().Int("removed", n).Dur("max_age", cfg.Storage.MaxFileAge).Msg("Sweep finished")
		return err
	},
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var a *app
	if dryRun {
		for _, dir := range []string{cfg.Storage.UploadDir, cfg.Storage.OutputDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		media.RegisterZstd()
		a = newApp(ctx, cfg, analyzer.Static{}, store.NewFileStore(cfg.Storage.OutputDir), nil, nil)
	} else {
		if a, err = boot(ctx, cfg); err != nil {
			return err
		}
	}

	input := args[0]
	sub := submission{FrameSkip: cfg.Pipeline.FrameSkip}
	if media.IsRemote(input) {
		sub.URL = input
		sub.Name = media.RemoteName(input)
	} else {
		if sub.Path, err = filepath.Abs(input); err != nil {
			return err
		}
		sub.Name = filepath.Base(input)
	}

	rec, err := a.submit(sub)
	if err != nil {
		return err
	}
	follow(ctx, a.registry.AttachStream(rec.ID()), rec)
	a.registry.RemoveStream(rec.ID())

	<-a.registry.Done(rec.ID())
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	snap := rec.Snapshot()
	snap.RecentDetections = nil
	if err := enc.Encode(snap); err != nil {
		return err
	}
	if f := rec.Failure(); f != nil {
		return fmt.Errorf("job %s failed: %w", rec.ID(), *f)
	}
	return nil
}

// follow drains a job's stream, logging progress, until the complete event.
func follow(ctx context.Context, ch *stream.Channel, rec *jobs.Record) {
	for {
		ev, err := ch.Receive(ctx, time.Second)
		if errors.Is(err, stream.ErrTimeout) {
			continue
		}
		if err != nil {
			return
		}
		switch ev.Type {
		case stream.EventFrame:
			log.Debug().
				Str("job", rec.ID()).
				Int("frame", ev.Frame.FrameNumber).
				Int("count", ev.Frame.Count).
				Float64("progress", ev.Frame.Progress).
				Msg("Frame analyzed")
		case stream.EventComplete:
			return
		}
	}
}
