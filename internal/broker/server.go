package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Request and response bodies for the broker HTTP API. Field names are part
// of the wire contract shared with [HTTPClient].

type lockRequest struct {
	AppID           string `json:"app_id"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

type lockResponse struct {
	Allowed      bool    `json:"allowed"`
	RequestID    string  `json:"request_id,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	ResetSeconds float64 `json:"reset_seconds"`
}

type commitRequest struct {
	AppID            string `json:"app_id"`
	RequestID        string `json:"request_id"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

type releaseRequest struct {
	AppID     string `json:"app_id"`
	RequestID string `json:"request_id"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// Handler returns the broker's HTTP API as an [http.Handler]:
//
//	POST /lock     {app_id, estimated_tokens} → {allowed, request_id?, reason?, reset_seconds}
//	POST /commit   {app_id, request_id, prompt_tokens, completion_tokens} → {ok}
//	POST /release  {app_id, request_id} → {ok}
//	GET  /status   → {available_tokens, used_tokens, locked_tokens, reset_time_seconds}
//	GET  /health   → 200 "ok"
func Handler(b *Broker) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /lock", func(w http.ResponseWriter, r *http.Request) {
		var req lockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "broker: decode lock request: %v", err)
			return
		}
		if req.AppID == "" {
			httpError(w, http.StatusBadRequest, "broker: app_id is required")
			return
		}
		res := b.Lock(req.AppID, req.EstimatedTokens)
		writeJSON(w, lockResponse{
			Allowed:      res.Allowed,
			RequestID:    res.RequestID,
			Reason:       res.Reason,
			ResetSeconds: res.ResetSeconds,
		})
	})

	mux.HandleFunc("POST /commit", func(w http.ResponseWriter, r *http.Request) {
		var req commitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "broker: decode commit request: %v", err)
			return
		}
		writeJSON(w, okResponse{OK: b.Commit(req.AppID, req.RequestID, req.PromptTokens, req.CompletionTokens)})
	})

	mux.HandleFunc("POST /release", func(w http.ResponseWriter, r *http.Request) {
		var req releaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "broker: decode release request: %v", err)
			return
		}
		writeJSON(w, okResponse{OK: b.Release(req.AppID, req.RequestID)})
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, b.Status())
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("broker: write response", "err", err)
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Debug("broker: bad request", "status", code, "msg", msg)
	http.Error(w, msg, code)
}
