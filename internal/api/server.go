package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vmsentry/internal/alerts"
	"vmsentry/internal/config"
	"vmsentry/internal/engine"
	"vmsentry/internal/metrics"
	"vmsentry/internal/model"
	"vmsentry/internal/normalize"
	"vmsentry/internal/notify"
	"vmsentry/internal/rules"
	"vmsentry/internal/storage"
)

type EngineControl interface {
	Reset()
	Stats() engine.Stats
	Live() *metrics.Store
}

type RouterControl interface {
	Reset()
	Flush(ctx context.Context) int
	Stats() notify.RouterStats
}

// History is the read side of storage.Store.
type History interface {
	ListAlerts(ctx context.Context, q storage.AlertQuery) ([]model.Alert, error)
	ListSamples(ctx context.Context, q storage.SampleQuery) ([]model.MetricSample, error)
}

// Options wires the server. Only Config is required.
type Options struct {
	Config    *config.Manager
	Rules     *rules.Registry
	Engine    EngineControl
	Router    RouterControl
	Alerts    *alerts.Store
	History   History
	Hub       *Hub
	Collector *metrics.Collector
	Logger    *slog.Logger
	Version   string
}

type Server struct {
	opts Options
	now  func() time.Time
}

type statusResponse struct {
	Status     string             `json:"status"`
	Time       string             `json:"time"`
	Version    string             `json:"version"`
	ConfigPath string             `json:"config_path"`
	Ingest     ingestStatus       `json:"ingest"`
	Engine     engine.Stats       `json:"engine"`
	Router     notify.RouterStats `json:"router"`
	Storage    bool               `json:"storage"`
	WSClients  int                `json:"ws_clients"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts, now: time.Now}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/rules", s.handleRules)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/samples/", s.handleSamples)
	mux.HandleFunc("/admin/reset", s.handleReset)
	mux.HandleFunc("/admin/flush", s.handleFlush)
	if s.opts.Collector != nil {
		mux.Handle("/metrics", s.opts.Collector.Handler())
	}
	if s.opts.Hub != nil {
		mux.Handle("/ws", s.opts.Hub)
	}
	return mux
}

func Start(ctx context.Context, opts Options) *http.Server {
	if opts.Config == nil {
		return nil
	}
	logger := opts.Logger
	current := opts.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(opts)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		opts.Hub.Close()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.opts.Config.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       s.now().UTC().Format(time.RFC3339Nano),
		Version:    s.opts.Version,
		ConfigPath: s.opts.Config.Path(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		Storage:   s.opts.History != nil,
		WSClients: s.opts.Hub.Clients(),
	}
	if s.opts.Engine != nil {
		resp.Engine = s.opts.Engine.Stats()
	}
	if s.opts.Router != nil {
		resp.Router = s.opts.Router.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if s.opts.Rules == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"rules": s.opts.Rules.Get()})
	case http.MethodPut, http.MethodPatch:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var partial rules.Set
		if err := json.Unmarshal(body, &partial); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var next rules.Set
		_, err = s.opts.Config.Modify(func(cfg *config.Config) error {
			merged, err := s.opts.Rules.Update(partial)
			if err != nil {
				return err
			}
			next = merged
			cfg.Rules = merged
			return nil
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, rules.ErrInvalidRule) {
				status = http.StatusBadRequest
			} else if next != nil && s.opts.Logger != nil {
				// The registry already serves the new rules; only persistence failed.
				s.opts.Logger.Error("rules persist failed", "err", err)
			}
			writeError(w, status, err)
			return
		}
		if s.opts.Logger != nil {
			s.opts.Logger.Info("rules updated", "kinds", len(partial))
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q, ok := parseQuery(w, r)
	if !ok {
		return
	}
	var list []model.Alert
	if s.opts.History != nil {
		var err error
		list, err = s.opts.History.ListAlerts(r.Context(), storage.AlertQuery{EntityID: q.entity, Since: q.since, Limit: q.limit})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	} else {
		list = s.opts.Alerts.Query(q.entity, q.since, q.limit)
	}
	if list == nil {
		list = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

// handleSamples serves /samples/latest, /samples/latest/{entity} and
// /samples/{entity}/history.
func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/samples/"), "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "latest":
		s.latest(w, "")
	case len(parts) == 2 && parts[0] == "latest":
		s.latest(w, parts[1])
	case len(parts) == 2 && parts[1] == "history" && parts[0] != "":
		s.history(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) latest(w http.ResponseWriter, entityID string) {
	if s.opts.Engine == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	live := s.opts.Engine.Live()
	if entityID != "" {
		sample, updated, ok := live.Get(entityID)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entity_id":  entityID,
			"updated_at": updated.UTC().Format(time.RFC3339Nano),
			"sample":     sample,
		})
		return
	}
	all := live.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"samples": all,
		"count":   len(all),
	})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, entityID string) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, errors.New("storage disabled"))
		return
	}
	q, ok := parseQuery(w, r)
	if !ok {
		return
	}
	list, err := s.opts.History.ListSamples(r.Context(), storage.SampleQuery{EntityID: entityID, Since: q.since, Limit: q.limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []model.MetricSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": entityID,
		"samples":   list,
		"count":     len(list),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Engine != nil {
		s.opts.Engine.Reset()
	}
	if s.opts.Router != nil {
		s.opts.Router.Reset()
	}
	s.opts.Alerts.Clear()
	if s.opts.Logger != nil {
		s.opts.Logger.Info("state reset via api")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n := 0
	if s.opts.Router != nil {
		n = s.opts.Router.Flush(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "batches": n})
}

type listQuery struct {
	entity string
	since  time.Time
	limit  int
}

// parseQuery reads entity, since (RFC3339 or unix seconds/millis) and limit.
// It writes a 400 and returns false on a malformed value.
func parseQuery(w http.ResponseWriter, r *http.Request) (listQuery, bool) {
	values := r.URL.Query()
	q := listQuery{entity: strings.TrimSpace(values.Get("entity"))}
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return q, false
		}
		q.limit = n
	}
	if v := values.Get("since"); v != "" {
		ts, err := normalize.ParseTimestamp(v, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return q, false
		}
		q.since = ts
	}
	return q, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
