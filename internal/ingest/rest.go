package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"vmsentry/internal/config"
	"vmsentry/internal/model"
	"vmsentry/internal/normalize"
)

type RESTServer struct {
	parser *Parser
	out    chan<- model.MetricSample
	logger *slog.Logger
}

type restResult struct {
	Accepted int      `json:"accepted"`
	Failed   int      `json:"failed"`
	Dropped  int      `json:"dropped"`
	Errors   []string `json:"errors,omitempty"`
}

func NewRESTServer(parser *Parser, out chan<- model.MetricSample, logger *slog.Logger) *RESTServer {
	return &RESTServer{parser: parser, out: out, logger: logger}
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/samples", s.handleSamples)
	mux.HandleFunc("/api/metrics", s.handleSamples)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartREST(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.MetricSample, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(parser, out, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	list, err := normalize.DecodeBatch(body)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	var res restResult
	for _, obj := range list {
		sample, err := s.parser.ParseObject(obj, "rest")
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			if s.logger != nil {
				s.logger.Warn("rest normalize error", "err", err)
			}
			continue
		}
		if !SendNonBlocking(r.Context(), s.out, sample, s.logger) {
			res.Dropped++
			continue
		}
		res.Accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	if res.Accepted == 0 && res.Dropped > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(res)
}
