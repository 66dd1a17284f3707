package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vigilo-labs/compliance-cli/internal/config"
	"github.com/vigilo-labs/compliance-cli/internal/ingest"
	"github.com/vigilo-labs/compliance-cli/internal/model"
	"github.com/vigilo-labs/compliance-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for compliance check requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(cfg, st),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newRouter builds the HTTP API: health probe, synchronous compliance
// checks, and run history.
func newRouter(cfg *config.Config, st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/check", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Profile    model.OrganizationProfile `json:"profile"`
			Candidates []model.CandidateRecord   `json:"candidates"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if body.Profile.Name == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "profile.name is required"})
			return
		}

		pool := body.Candidates
		if len(pool) == 0 {
			loaded, err := ingest.NewLoader(cfg.Ingest.MetadataDir).Load()
			if err != nil {
				zap.L().Warn("serve: candidate load failed, running with empty pool", zap.Error(err))
			} else {
				pool = loaded
			}
		}

		p := newPipeline(cfg, st)
		run, err := p.Run(req.Context(), body.Profile, pool)
		if err != nil {
			zap.L().Error("serve: compliance check failed",
				zap.String("organization", body.Profile.Name),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "compliance check failed"})
			return
		}

		writeJSON(w, http.StatusOK, run)
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		filter := store.RunFilter{
			Status: model.RunStatus(req.URL.Query().Get("status")),
		}
		runs, err := st.ListRuns(req.Context(), filter)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list runs failed"})
			return
		}
		if runs == nil {
			runs = []model.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		run, err := st.GetRun(req.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		snapshots, err := st.ListStageSnapshots(req.Context(), id)
		if err != nil {
			zap.L().Warn("serve: stage snapshot load failed", zap.String("run_id", id), zap.Error(err))
		}

		writeJSON(w, http.StatusOK, struct {
			Run    *model.Run          `json:"run"`
			Stages []model.StageResult `json:"stages"`
		}{Run: run, Stages: snapshots})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
