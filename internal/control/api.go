// Package control exposes the operational HTTP surface for a running
// agent: health, aggregate verdict statistics, and a bundle reload
// trigger. Trimmed from the teacher's control API, which also served
// a dashboard UI and per-session kill/history endpoints that have no
// analog in a transaction-scoped matching core.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ipsagent/internal/loader"
	"ipsagent/internal/storage"
)

// Reloader reloads the bundle at its configured path and returns the
// new Snapshot. The binary wires this to a function that reads the
// bundle file and calls loader.Load; the handler then swaps the
// returned Snapshot into the live Store.
type Reloader func() (*loader.Snapshot, *loader.LoadReport, error)

// Handler handles control API requests.
type Handler struct {
	store    *loader.Store
	history  *storage.SQLiteStore
	reload   Reloader
	mux      *http.ServeMux

	authEnabled bool
	apiKey      string
}

// New creates a control API handler serving the given snapshot store.
// history may be nil if persistent storage is disabled; reload may be
// nil if the binary was started without a reloadable bundle path.
func New(store *loader.Store, history *storage.SQLiteStore, reload Reloader) *Handler {
	return NewWithAuth(store, history, reload, false, "")
}

// NewWithAuth is New with control API authentication configured.
func NewWithAuth(store *loader.Store, history *storage.SQLiteStore, reload Reloader, authEnabled bool, apiKey string) *Handler {
	h := &Handler{
		store:       store,
		history:     history,
		reload:      reload,
		mux:         http.NewServeMux(),
		authEnabled: authEnabled,
		apiKey:      apiKey,
	}

	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/stats", h.handleStats)
	h.mux.HandleFunc("/control/reload", h.handleReload)
	h.mux.HandleFunc("/control/transactions", h.handleTransactions)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.authEnabled && strings.HasPrefix(r.URL.Path, "/control/") {
		if !h.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="control API"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "Valid API key required. Use 'Authorization: Bearer <api_key>' header.",
			})
			return
		}
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) checkAuth(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ") == h.apiKey
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key == h.apiKey
	}
	return false
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	SignatureCount int       `json:"signature_count"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := h.store.Current()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		Timestamp:      time.Now(),
		SignatureCount: len(snap.Signatures),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage disabled"})
		return
	}
	stats, err := h.history.GetStats(nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ReloadResponse reports the outcome of a bundle reload.
type ReloadResponse struct {
	SignatureCount int      `json:"signature_count"`
	Errors         []string `json:"errors,omitempty"`
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.reload == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reload not configured"})
		return
	}

	snap, report, err := h.reload()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.store.Swap(snap)

	resp := ReloadResponse{SignatureCount: len(snap.Signatures)}
	for _, e := range report.Errors {
		resp.Errors = append(resp.Errors, e.Error())
	}
	slog.Info("bundle reloaded", "signature_count", resp.SignatureCount, "error_count", len(resp.Errors))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage disabled"})
		return
	}

	opts := storage.ListTransactionsOptions{
		Verdict:    r.URL.Query().Get("verdict"),
		PracticeID: r.URL.Query().Get("practice_id"),
		Limit:      100,
	}
	records, err := h.history.ListTransactions(opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":        len(records),
		"transactions": records,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
