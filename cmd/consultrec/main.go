package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/carelink/consultrec/internal/analysis"
	"github.com/carelink/consultrec/internal/blob"
	"github.com/carelink/consultrec/internal/config"
	"github.com/carelink/consultrec/internal/gdrive"
	"github.com/carelink/consultrec/internal/intake"
	"github.com/carelink/consultrec/internal/merge"
	"github.com/carelink/consultrec/internal/server"
	"github.com/carelink/consultrec/internal/session"
	"github.com/carelink/consultrec/internal/storage"
	"github.com/carelink/consultrec/internal/summarize"
)

// mirroringHub forwards every event to the websocket hub and, when a merge
// completes, queues the merged artifact for a Drive mirror.
type mirroringHub struct {
	*server.Hub
	blobs  *blob.FSStore
	syncer *gdrive.Syncer
	wg     sync.WaitGroup
}

func (h *mirroringHub) BroadcastMergeCompleted(sessionID string, rec storage.MergedRecording) {
	h.Hub.BroadcastMergeCompleted(sessionID, rec)

	if h.syncer == nil || rec.StorageRef == "" {
		return
	}
	absPath, err := h.blobs.AbsPath(rec.StorageRef)
	if err != nil {
		log.Printf("gdrive mirror skipped for %s: %v", sessionID, err)
		return
	}
	mimeType := "audio/mpeg"
	if rec.StrategyUsed == storage.StrategyFallback {
		mimeType = "audio/webm"
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.syncer.Mirror(absPath, rec.StorageRef, mimeType); err != nil {
			log.Printf("gdrive mirror error for %s: %v", sessionID, err)
		}
	}()
}

func main() {
	log.Println("consultrec: starting")

	configPath := os.Getenv(config.EnvPrefix + "CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	blobs, err := blob.NewFSStore(cfg.BlobDir)
	if err != nil {
		log.Fatalf("blob store init failed: %v", err)
	}

	hub := server.NewHub()
	broadcaster := &mirroringHub{Hub: hub, blobs: blobs}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.GDriveFolderID != "" {
		syncer, syncErr := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if syncErr != nil {
			log.Printf("warning: gdrive mirroring disabled: %v", syncErr)
		} else {
			broadcaster.syncer = syncer
		}
	}

	var analyzer analysis.Client
	if key := cfg.APIKey(); key != "" {
		provider, modelName, parseErr := analysis.ParseModel(cfg.AnalysisModel)
		if parseErr != nil {
			log.Printf("warning: %v, summaries degrade to metadata only", parseErr)
		} else {
			analyzer, err = analysis.NewClient(provider, key, modelName)
			if err != nil {
				log.Printf("warning: analysis client unavailable: %v", err)
			}
		}
	}

	merger := merge.NewEngine(blobs, merge.ExecRunner{})
	summarizer := summarize.NewEngine(analyzer, blobs, cfg.ParsedSummaryRetryBase(), cfg.ParsedSummaryTimeout())
	locks := session.NewLockRegistry(cfg.ParsedLockTTL())
	manager := session.NewManager(store, intake.New(store, blobs, cfg.MinUploadBytes), merger, summarizer, broadcaster, locks)

	go manager.Run(ctx)
	go locks.Run(ctx, 5*time.Minute)

	handler := server.Handler(hub, manager, blobs, func() []string { return warnings })
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	log.Printf("consultrec: api on http://%s", cfg.ListenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("consultrec: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: http shutdown failed: %v", err)
	}

	// Let in-flight Drive mirrors finish before the process exits.
	done := make(chan struct{})
	go func() {
		broadcaster.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Println("warning: gdrive mirrors still in flight at exit")
	}
}
