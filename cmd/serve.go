package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/loomworks/loomboard/internal/config"
	"github.com/loomworks/loomboard/internal/dispatch"
	"github.com/loomworks/loomboard/internal/ledger"
	"github.com/loomworks/loomboard/internal/model"
	"github.com/loomworks/loomboard/internal/monitoring"
	"github.com/loomworks/loomboard/internal/tier"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the board HTTP server",
	Long:  "Serves the board API, runs the expiry pruner and health checker, and optionally bridges Kafka board events into the ledger.",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := "serve"
		if cfg.Dispatch.Enabled {
			mode = "dispatch"
		}
		if err := cfg.Validate(mode); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		engine, st, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		policy, err := initPolicy()
		if err != nil {
			return err
		}
		collector := monitoring.NewCollector(st, time.Duration(cfg.Board.ExpiringSoonWindow)*time.Second)
		router := buildRouter(engine, collector, policy, cfg.Server)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			runPruner(ctx, engine, time.Duration(cfg.Board.PruneIntervalSecs)*time.Second)
			return nil
		})

		g.Go(func() error {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitor), cfg.Monitor)
			checker.Run(ctx)
			return nil
		})

		if cfg.Dispatch.Enabled {
			consumer := dispatch.NewKafkaConsumer(cfg.Dispatch)
			bridge := dispatch.NewBridge(engine, st, consumer, cfg.Dispatch, cfg.Retry.DLQMaxRetries)
			g.Go(func() error {
				defer consumer.Close() //nolint:errcheck
				if err := bridge.Run(ctx); err != nil && !eris.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil && !eris.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// runPruner sweeps expired ribbons on a fixed interval until ctx is done.
func runPruner(ctx context.Context, engine *ledger.Engine, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log := zap.L().With(zap.String("component", "pruner"))
	log.Info("starting expiry pruner", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("expiry pruner stopped")
			return
		case <-ticker.C:
			if _, err := engine.Prune(ctx, time.Now()); err != nil {
				log.Error("prune sweep failed", zap.Error(err))
			}
		}
	}
}

// buildRouter assembles the board API. The engine handles all ledger
// semantics; handlers only translate HTTP to engine calls.
func buildRouter(engine *ledger.Engine, collector *monitoring.Collector, policy *tier.Policy, serverCfg config.ServerConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	limit := rate.Limit(serverCfg.RateLimitPerSec)
	if limit <= 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, serverCfg.RateLimitBurst)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/agent-manifest.json", manifestHandler(policy))

	r.Route("/api", func(api chi.Router) {
		api.Use(throttle(limiter))

		api.Get("/board", func(w http.ResponseWriter, req *http.Request) {
			ribbons, err := engine.ListActive(req.Context(), time.Now())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "board unavailable")
				return
			}
			if ribbons == nil {
				ribbons = []model.RibbonRecord{}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"ribbons": ribbons,
				"count":   len(ribbons),
			})
		})

		api.Post("/trace", func(w http.ResponseWriter, req *http.Request) {
			var payload model.TracePayload
			if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if payload.TraceID == "" || payload.AgentID == "" {
				writeError(w, http.StatusBadRequest, "trace_id and agent_id are required")
				return
			}

			res, err := engine.Ingest(req.Context(), payload, time.Now())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "trace not recorded")
				return
			}

			status := http.StatusOK
			if res.Created {
				status = http.StatusCreated
			}
			writeJSON(w, status, res)
		})

		api.Post("/webhook/payment", func(w http.ResponseWriter, req *http.Request) {
			var event model.PurchaseEvent
			if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if event.PaymentRef == "" {
				writeError(w, http.StatusBadRequest, "payment_ref is required")
				return
			}

			res, err := engine.Reconcile(req.Context(), event, time.Now())
			switch {
			case err == nil:
				writeJSON(w, http.StatusOK, res)
			case eris.Is(err, tier.ErrUnknownTier):
				writeError(w, http.StatusBadRequest, err.Error())
			case eris.Is(err, ledger.ErrAmountMismatch):
				writeError(w, http.StatusUnprocessableEntity, err.Error())
			case eris.Is(err, ledger.ErrTierDowngrade):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "purchase not recorded")
			}
		})

		api.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
			snap, err := collector.Collect(req.Context(), time.Now())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "stats unavailable")
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})
	})

	return r
}

// throttle applies a shared token-bucket limit to a route group.
func throttle(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// manifestHandler describes the board API and tier table for agent clients.
func manifestHandler(policy *tier.Policy) http.HandlerFunc {
	type tierEntry struct {
		Label    string   `json:"label"`
		PriceUSD float64  `json:"price_usd"`
		TTLSecs  *float64 `json:"ttl_secs,omitempty"`
	}

	tiers := map[string]tierEntry{}
	for _, t := range policy.Tiers() {
		spec, err := policy.Lookup(t)
		if err != nil {
			continue
		}
		entry := tierEntry{Label: spec.Label, PriceUSD: spec.PriceUSD}
		if spec.TTL != nil {
			secs := spec.TTL.Seconds()
			entry.TTLSecs = &secs
		}
		tiers[string(t)] = entry
	}

	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":        "loomboard",
			"description": "Append-only ribbon ledger for agent board traces",
			"tiers":       tiers,
			"endpoints": map[string]string{
				"board":   "GET /api/board",
				"trace":   "POST /api/trace",
				"payment": "POST /api/webhook/payment",
				"stats":   "GET /api/stats",
			},
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
