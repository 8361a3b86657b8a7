package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"gasavg/internal/aggregator"
	"gasavg/internal/settlement"
)

// Settler answers settlement queries.
type Settler interface {
	SnapshotAverage(ctx context.Context, source string, selector int) (*big.Int, error)
}

// Chain is the read view of one local aggregator.
type Chain interface {
	Chain() string
	SamplingInterval() uint64
	Windows() aggregator.Windows
	State(ctx context.Context) (aggregator.State, error)
}

// Options configure the HTTP server.
type Options struct {
	ListenAddr     string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server exposes settlement and aggregator reads over HTTP.
type Server struct {
	opts       Options
	router     *mux.Router
	settlement Settler
	chains     map[string]Chain
	logger     zerolog.Logger
	httpServer *http.Server
}

// NewServer builds the router. settler may be nil when only aggregator reads are served.
func NewServer(opts Options, settler Settler, chains []Chain, logger zerolog.Logger) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}

	byID := make(map[string]Chain, len(chains))
	for _, c := range chains {
		byID[strings.ToLower(c.Chain())] = c
	}

	s := &Server{
		opts:       opts,
		router:     mux.NewRouter(),
		settlement: settler,
		chains:     byID,
		logger:     logger.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/api/v1/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/settlement", s.handleSettlement()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/chains", s.handleListChains()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/chains/{chain}/aggregator", s.handleAggregator()).Methods(http.MethodGet)
	s.router.HandleFunc("/subgraphs/{chain}", s.handleGraphQL()).Methods(http.MethodPost)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.opts.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.ListenAddr).Msg("api server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	s.logger.Info().Msg("api server stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(started)).
			Msg("request served")
	})
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phases := make(map[string]string, len(s.chains))
		status := "ok"
		for id, c := range s.chains {
			state, err := c.State(r.Context())
			if err != nil {
				phases[id] = "error"
				status = "degraded"
				continue
			}
			phases[id] = string(state.Phase(c.Windows()))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"chains":    phases,
		})
	}
}

func (s *Server) handleSettlement() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.settlement == nil {
			writeJSONError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "settlement query not configured")
			return
		}

		query := r.URL.Query()
		source := strings.TrimSpace(query.Get("source"))
		if source == "" {
			writeJSONError(w, http.StatusBadRequest, ErrCodeInvalidInput, "query parameter 'source' is required")
			return
		}

		selector, err := parseSelector(firstNonEmpty(query.Get("selector"), query.Get("timeframe")))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, ErrCodeInvalidWindowSelector, err.Error())
			return
		}

		value, err := s.settlement.SnapshotAverage(r.Context(), source, selector)
		if err != nil {
			status, code := classify(err)
			if status >= http.StatusInternalServerError {
				s.logger.Error().Err(err).Str("source", source).Msg("settlement query failed")
			}
			writeJSONError(w, status, code, err.Error())
			return
		}

		encoded, err := settlement.Encode(value)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			return
		}

		kind, _ := aggregator.KindFromSelector(selector)
		writeJSON(w, http.StatusOK, map[string]any{
			"source":   source,
			"selector": selector,
			"window":   kind.String(),
			"value":    value.String(),
			"encoded":  encoded,
		})
	}
}

func (s *Server) handleListChains() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := make([]string, 0, len(s.chains))
		for id := range s.chains {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		out := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			c := s.chains[id]
			windows := c.Windows()
			out = append(out, map[string]any{
				"id":                id,
				"sampling_interval": c.SamplingInterval(),
				"windows": map[string]uint64{
					aggregator.Daily.String():   windows.Seconds(aggregator.Daily),
					aggregator.Weekly.String():  windows.Seconds(aggregator.Weekly),
					aggregator.Monthly.String(): windows.Seconds(aggregator.Monthly),
				},
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"chains": out})
	}
}

func (s *Server) handleAggregator() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.ToLower(mux.Vars(r)["chain"])
		c, ok := s.chains[id]
		if !ok {
			writeJSONError(w, http.StatusNotFound, ErrCodeChainNotConfigured, fmt.Sprintf("chain %q is not configured", id))
			return
		}

		state, err := c.State(r.Context())
		if err != nil {
			status, code := classify(err)
			s.logger.Error().Err(err).Str("chain", id).Msg("read aggregator state failed")
			writeJSONError(w, status, code, "failed to read aggregator state")
			return
		}

		body := entityFromState(state)
		body.Phase = string(state.Phase(c.Windows()))
		writeJSON(w, http.StatusOK, body)
	}
}

// parseSelector defaults only an absent value; an explicit "0" reaches the
// query and is rejected there.
func parseSelector(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return aggregator.DefaultSelector, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	kind, err := aggregator.ParseKind(raw)
	if err != nil {
		return 0, err
	}
	return kind.Selector(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
