package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"tankwatch/internal/config"
	"tankwatch/internal/model"
	"tankwatch/internal/normalize"
)

type RESTServer struct {
	queue  *Queue
	logger *slog.Logger
}

func NewRESTServer(q *Queue, logger *slog.Logger) *RESTServer {
	return &RESTServer{queue: q, logger: logger}
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ships/{ship}/readings", s.handleReadings)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartREST(ctx context.Context, cfg config.RESTConfig, q *Queue, logger *slog.Logger) *http.Server {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", cfg.Addr)
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRESTServer(q, logger).Handler(),
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
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

// handleReadings accepts one batch object or an array of batches. Each
// batch becomes its own envelope so the engine validates it independently.
func (s *RESTServer) handleReadings(w http.ResponseWriter, r *http.Request) {
	ship := normalize.ShipID(r.PathValue("ship"))
	if ship == "" {
		writeStatus(w, http.StatusBadRequest, map[string]any{"error": "missing ship id"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, map[string]any{"error": "read body"})
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 || !json.Valid(trim) {
		writeStatus(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}

	payloads := [][]byte{trim}
	if trim[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trim, &list); err != nil {
			writeStatus(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
		payloads = payloads[:0]
		for _, item := range list {
			payloads = append(payloads, []byte(item))
		}
	}

	accepted, dropped := 0, 0
	now := time.Now().UTC()
	for _, p := range payloads {
		ok := s.queue.Send(r.Context(), model.Envelope{ShipID: ship, Source: "rest", Payload: p, ReceivedAt: now})
		if ok {
			accepted++
		} else {
			dropped++
		}
	}
	status := http.StatusAccepted
	if accepted == 0 && dropped > 0 {
		status = http.StatusServiceUnavailable
	}
	writeStatus(w, status, map[string]any{"accepted": accepted, "dropped": dropped})
}

func writeStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
