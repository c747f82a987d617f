package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/model"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/pipeline"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/report"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/internal/runstore"
	"github.com/feuerstrahll/OMNI-be-protocol-planner/pkg/powertost"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the planning HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, solver, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		srvState := &server{pipeline: p, store: st, solver: solver}

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
		r.Use(rateLimit(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst))

		r.Get("/health", srvState.handleHealth)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/plan", srvState.handlePlan)
			r.Get("/runs", srvState.handleListRuns)
			r.Get("/runs/{id}", srvState.handleGetRun)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

type server struct {
	pipeline *pipeline.Pipeline
	store    runstore.Store
	solver   powertost.Client
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	solverStatus := "ok"
	if err := s.solver.Health(r.Context()); err != nil {
		solverStatus = "unavailable"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"solver": solverStatus,
	})
}

func (s *server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req model.PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Drug == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "drug is required"})
		return
	}

	run, err := s.store.CreateRun(r.Context(), req.Drug)
	if err != nil {
		zap.L().Error("create run failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not create run"})
		return
	}
	_ = s.store.UpdateRunStatus(r.Context(), run.ID, model.RunRunning)

	rep, err := s.pipeline.Run(r.Context(), &req)
	if err != nil {
		var rej *report.Rejection
		if errors.As(err, &rej) {
			_ = s.store.FailRun(r.Context(), run.ID, model.RunRejected, rej.Error())
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"status":   "rejected",
				"run_id":   run.ID,
				"blockers": rej.Blockers,
			})
			return
		}
		_ = s.store.FailRun(r.Context(), run.ID, model.RunFailed, err.Error())
		zap.L().Error("pipeline run failed", zap.String("run_id", run.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "pipeline run failed"})
		return
	}

	if err := s.store.SaveReport(r.Context(), run.ID, rep); err != nil {
		zap.L().Error("persist report failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := runstore.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
		Drug:   r.URL.Query().Get("drug"),
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not list runs"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, runstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	if err != nil {
		zap.L().Error("get run failed", zap.String("run_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load run"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// rateLimit applies a per-client token bucket, keyed by the client IP that
// middleware.RealIP resolved into RemoteAddr.
func rateLimit(limit rate.Limit, burst int) func(http.Handler) http.Handler {
	var (
		mu      sync.Mutex
		clients = make(map[string]*rate.Limiter)
	)
	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := clients[key]
		if !ok {
			l = rate.NewLimiter(limit, burst)
			clients[key] = l
		}
		return l
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !limiterFor(host).Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
