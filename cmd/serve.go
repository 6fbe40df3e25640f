package cmd

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"media-pipeline/internal/api"
	"media-pipeline/internal/config"
	"media-pipeline/internal/diagnostics"
	"media-pipeline/internal/domain"
	"media-pipeline/internal/executor"
	"media-pipeline/internal/jobs"
	"media-pipeline/internal/orchestrator"
	"media-pipeline/internal/stats"
	"media-pipeline/internal/store"
)

func serveCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg)
		},
	}
}

func runServe(cfg config.Config) error {
	// Missing tools only block the stages that use them, so failed checks
	// warn instead of aborting.
	report := diagnostics.NewChecker().Run(cfg)
	for _, item := range report.Items {
		if item.Status == domain.DiagnosticStatusFail {
			log.Printf("diagnostics: %s: %s", item.Name, item.Message)
			if item.Hint != "" {
				log.Printf("diagnostics:   hint: %s", item.Hint)
			}
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	jobStore, err := store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		return err
	}
	defer jobStore.Close()

	aggregator, err := stats.NewAggregator(stats.NewFileStore(cfg.StatsPath))
	if err != nil {
		return err
	}

	bus := jobs.NewEventBus(500)
	orch := orchestrator.New(orchestrator.Deps{
		Machine:   jobs.NewMachine(cfg.CheckpointPercent),
		Admission: jobs.NewAdmission(cfg.DownloadSlots, cfg.EncodeSlots, cfg.UploadSlots),
		Bus:       bus,
		Store:     jobStore,
		Stats:     aggregator,
		Executors: []executor.Executor{
			executor.NewDownload("aria2c", cfg.DownloadDir, cfg.CancelGrace),
			executor.NewEncode("ffmpeg", "ffprobe", cfg.EncodeDir, cfg.CancelGrace),
			executor.NewUpload("rclone", cfg.UploadRemote, cfg.CancelGrace),
		},
		RetryStageOnce: cfg.RetryStageOnce,
		StageTimeout:   cfg.StageTimeout,
	})

	if err := orch.Resume(context.Background()); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.Server{
			Orchestrator: orch,
			Stats:        aggregator,
			Events:       bus,
		}.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("serve: listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("serve: received %v, shutting down", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("serve: http shutdown: %v", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Printf("serve: %v", err)
	}
	log.Print("serve: drained, exiting")
	return nil
}
