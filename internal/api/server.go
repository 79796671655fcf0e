package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tankwatch/internal/alarm"
	"tankwatch/internal/config"
	"tankwatch/internal/engine"
	"tankwatch/internal/model"
	"tankwatch/internal/normalize"
	"tankwatch/internal/thresholds"
)

const (
	maxWindowMinutes      = 7 * 24 * 60
	defaultReadingMinutes = "60"
)

type Server struct {
	engine   *engine.Engine
	cfg      *config.Manager
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	version  string
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path,omitempty"`
	Ingest     ingestStatus  `json:"ingest"`
	API        apiStatus     `json:"api"`
	Engine     engine.Status `json:"engine"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
	MQTT  bool `json:"mqtt"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// NewServer builds the operator API. cfg may be nil, which disables
// /admin/reload; a nil gatherer serves the default registry.
func NewServer(eng *engine.Engine, cfg *config.Manager, gatherer prometheus.Gatherer, logger *slog.Logger, version string) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{engine: eng, cfg: cfg, gatherer: gatherer, logger: logger, version: version}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ships", s.handleShips)
	mux.HandleFunc("GET /ships/{ship}", s.handleShip)
	mux.HandleFunc("PUT /ships/{ship}/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("PUT /ships/{ship}/status", s.handleSetStatus)
	mux.HandleFunc("GET /ships/{ship}/tanks/{tank}/live", s.handleLive)
	mux.HandleFunc("GET /ships/{ship}/tanks/{tank}/thresholds", s.handleGetThresholds)
	mux.HandleFunc("PUT /ships/{ship}/tanks/{tank}/thresholds", s.handlePutThresholds)
	mux.HandleFunc("GET /ships/{ship}/tanks/{tank}/readings", s.handleReadings)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /events", s.handleRecordEvent)
	mux.HandleFunc("POST /admin/clear", s.handleClear)
	mux.HandleFunc("POST /admin/reload", s.handleReload)
	return mux
}

func Start(ctx context.Context, cfg config.APIConfig, server *Server, logger *slog.Logger) *http.Server {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", cfg.Addr)
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Version: s.version,
		Engine:  s.engine.Status(),
	}
	if s.cfg != nil {
		cfg := s.cfg.Get()
		resp.ConfigPath = s.cfg.Path()
		resp.Ingest = ingestStatus{
			REST:  cfg.Ingest.REST.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
			MQTT:  cfg.Ingest.MQTT.Enabled,
		}
		resp.API = apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShips(w http.ResponseWriter, _ *http.Request) {
	ships := s.engine.Ships()
	writeJSON(w, http.StatusOK, map[string]any{"ships": ships, "count": len(ships)})
}

func (s *Server) handleShip(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.ShipSummary(r.PathValue("ship"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := decodeOptional(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	st, err := s.engine.Acknowledge(r.Context(), r.PathValue("ship"), strings.TrimSpace(req.Actor))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeOptional(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	status, _ := model.ParseStatus(strings.TrimSpace(req.Status))
	st, err := s.engine.SetOperational(r.Context(), r.PathValue("ship"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	bucket, err := s.engine.Live(r.PathValue("ship"), r.PathValue("tank"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bucket)
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	resolved, ov, err := s.engine.Thresholds(r.PathValue("ship"), r.PathValue("tank"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thresholds": resolved, "override": ov})
}

func (s *Server) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "read body"})
		return
	}
	var ov model.ThresholdOverride
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ov); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid threshold override: " + err.Error()})
		return
	}
	resolved, err := s.engine.SetThresholds(r.Context(), r.PathValue("ship"), r.PathValue("tank"), ov)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thresholds": resolved, "override": ov})
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minutes := q.Get("minutes")
	if minutes == "" && q.Get("from") == "" && q.Get("to") == "" {
		minutes = defaultReadingMinutes
	}
	from, to, err := normalize.Window(q.Get("from"), q.Get("to"), minutes, time.Now().UTC(), maxWindowMinutes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	list, err := s.engine.Readings(r.Context(), r.PathValue("ship"), r.PathValue("tank"), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": list, "count": len(list)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := normalize.Window(q.Get("from"), q.Get("to"), q.Get("minutes"), time.Now().UTC(), maxWindowMinutes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	filter := model.EventFilter{
		ShipID:   strings.TrimSpace(q.Get("ship_id")),
		TankID:   strings.TrimSpace(q.Get("tank_id")),
		Severity: strings.TrimSpace(q.Get("severity")),
		From:     from,
		To:       to,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}
	list, err := s.engine.Events(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "count": len(list)})
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.AlarmEvent
	if err := decodeOptional(w, r, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	saved, err := s.engine.RecordAudit(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.engine.Reset()
	if s.logger != nil {
		s.logger.Warn("live state cleared by operator")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if s.cfg == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no config file"})
		return
	}
	cfg, err := s.cfg.Reload()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	s.engine.UpdateConfig(cfg)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// decodeOptional decodes a JSON body into v; an empty body leaves v zero.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return errors.New("read body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid json")
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrUnknownShip), errors.Is(err, engine.ErrUnknownTank):
		status = http.StatusNotFound
	case errors.Is(err, thresholds.ErrThresholdOrder),
		errors.Is(err, alarm.ErrInvalidStatus),
		errors.Is(err, engine.ErrInvalidEvent):
		status = http.StatusBadRequest
	case errors.Is(err, alarm.ErrLatched):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
