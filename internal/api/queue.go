package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cotrain/offlineq/internal/connectivity"
	"github.com/cotrain/offlineq/internal/drain"
	"github.com/cotrain/offlineq/internal/metrics"
	"github.com/cotrain/offlineq/internal/persist"
	"github.com/cotrain/offlineq/internal/queue"
	"github.com/cotrain/offlineq/internal/submit"
)

const maxSubmitBodySize = 1 << 20 // 1MB

// Status is the observability snapshot served by GET /status and pushed
// over the WebSocket stream.
type Status struct {
	IsProcessing     bool        `json:"isProcessing"`
	IsOnline         bool        `json:"isOnline"`
	HasQueuedActions bool        `json:"hasQueuedActions"`
	Stats            queue.Stats `json:"stats"`
}

type SubmitRequest struct {
	URL                string            `json:"url"`
	Method             string            `json:"method"`
	Headers            map[string]string `json:"headers"`
	Body               string            `json:"body"`
	Description        string            `json:"description"`
	MaxRetries         *int              `json:"maxRetries"`
	ExecuteImmediately *bool             `json:"executeImmediately"`
}

type APICallRequest struct {
	Endpoint string `json:"endpoint"`
	submit.APIOptions
}

type TransactionRequest struct {
	Data        json.RawMessage `json:"data"`
	Description string          `json:"description"`
}

type ContributionRequest struct {
	SessionID   string         `json:"sessionId"`
	Data        map[string]any `json:"data"`
	Description string         `json:"description"`
}

type ClaimRequest struct {
	Description string `json:"description"`
}

type Deps struct {
	Engine    *drain.Engine
	Submitter *submit.Submitter
	// Reporter accepts pushed connectivity events. Nil when connectivity
	// is probed.
	Reporter connectivity.Reporter
	// Persist is optional; persistence endpoints return 503 without it.
	Persist persist.Channel
	Hub     *Hub
	Token   string
	Metrics bool
	Logger  *slog.Logger
}

// NewHandler builds the local control API. Everything except /health and
// /metrics requires the bearer token; /ws also accepts it as ?token=.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	if deps.Metrics {
		r.Handle("/metrics", metrics.Handler())
	}
	if deps.Hub != nil {
		r.Get("/ws", handleWS(deps))
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Post("/connectivity", handleConnectivity(deps))

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", handleListQueue(deps))
			r.Post("/", handleSubmit(deps))
			r.Delete("/", handleClearQueue(deps))
			r.Get("/stats", handleStats(deps))
			r.Post("/process", handleProcess(deps))
			r.Post("/api-call", handleAPICall(deps))
			r.Post("/transactions", handleTransaction(deps))
			r.Post("/contributions", handleContribution(deps))
			r.Post("/rewards/{id}/claim", handleRewardClaim(deps))
			r.Delete("/{id}", handleRemove(deps))
		})

		r.Get("/persistence/status", handlePersistenceStatus(deps))
		r.Delete("/persistence", handlePersistenceClear(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func currentStatus(e *drain.Engine) Status {
	st := e.Stats()
	return Status{
		IsProcessing:     e.IsProcessing(),
		IsOnline:         e.Online(),
		HasQueuedActions: st.Total > 0,
		Stats:            st,
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, currentStatus(deps.Engine))
	}
}

func handleListQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"actions": deps.Engine.Queue()})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Engine.Stats())
	}
}

func handleProcess(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ran := deps.Engine.Process(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"ran": ran, "result": res})
	}
}

func handleClearQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := deps.Engine.Clear(r.Context())
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}

func handleRemove(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !deps.Engine.Remove(r.Context(), id) {
			httpError(w, http.StatusNotFound, "not_found", "action %q not queued", id)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleConnectivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reporter == nil {
			httpError(w, http.StatusConflict, "invalid_request_error", "connectivity is probed; events are not accepted")
			return
		}
		var req struct {
			Online *bool `json:"online"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Online == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "online is required")
			return
		}
		changed := deps.Reporter.Report(*req.Online)
		writeJSON(w, http.StatusOK, map[string]bool{"online": *req.Online, "changed": changed})
	}
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if !decodeBody(w, r, &req) {
			return
		}
		immediate := true
		if req.ExecuteImmediately != nil {
			immediate = *req.ExecuteImmediately
		}
		id, err := deps.Submitter.AddToQueue(r.Context(), submit.Action{
			URL:         req.URL,
			Method:      req.Method,
			Headers:     req.Headers,
			Body:        req.Body,
			Description: req.Description,
			MaxRetries:  req.MaxRetries,
		}, immediate)
		respondQueued(w, id, err)
	}
}

func handleAPICall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req APICallRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Submitter.QueueAPICall(r.Context(), req.Endpoint, req.APIOptions)
		respondQueued(w, id, err)
	}
}

func handleTransaction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TransactionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Data) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "data is required")
			return
		}
		id, err := deps.Submitter.QueueTransaction(r.Context(), req.Data, req.Description)
		respondQueued(w, id, err)
	}
}

func handleContribution(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContributionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.SessionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "sessionId is required")
			return
		}
		id, err := deps.Submitter.QueueContribution(r.Context(), req.SessionID, req.Data, req.Description)
		respondQueued(w, id, err)
	}
}

func handleRewardClaim(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClaimRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Submitter.QueueRewardClaim(r.Context(), chi.URLParam(r, "id"), req.Description)
		respondQueued(w, id, err)
	}
}

func handlePersistenceStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Persist == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "persistence is not available")
			return
		}
		counts, err := deps.Persist.Status(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "reading persistence status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

func handlePersistenceClear(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Persist == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "persistence is not available")
			return
		}
		if err := deps.Persist.Clear(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "clearing persistence: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func respondQueued(w http.ResponseWriter, id string, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
	case errors.Is(err, queue.ErrQueueFull):
		httpError(w, http.StatusServiceUnavailable, "queue_full", "%v", err)
	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	}
}
