package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	runtimepkg "github.com/drblury/gpsflow/internal/runtime"
	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	"github.com/drblury/gpsflow/internal/runtime/gps"
	"github.com/drblury/gpsflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
	maxIngestBodyBytes     = 1 << 20
)

type api struct {
	intake      Intake
	records     RecordReader
	deadLetters DeadLetterLister
	stats       StatsSource
	logger      loggingpkg.ServiceLogger
}

func newAPI(opts Options) *api {
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &api{
		intake:      opts.Intake,
		records:     opts.Records,
		deadLetters: opts.DeadLetters,
		stats:       opts.Stats,
		logger:      logger.With(loggingpkg.LogFields{"component": "http_api"}),
	}
}

// IngestResponse acknowledges an envelope accepted for asynchronous
// processing. The sample is not persisted yet.
type IngestResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports whether the pipeline consumes.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatsResponse reports router handlers and dead-letter counters.
type StatsResponse struct {
	Handlers    []*runtimepkg.HandlerInfo      `json:"handlers"`
	DeadLetters *runtimepkg.DLQMetricsSnapshot `json:"deadLetters,omitempty"`
}

func (a *api) ingest(w http.ResponseWriter, r *http.Request) {
	var env gps.IngestEnvelope
	if err := jsoncodec.Decode(http.MaxBytesReader(w, r.Body, maxIngestBodyBytes), &env, false); err != nil {
		a.respondError(w, http.StatusBadRequest, "request body is not a valid GPS envelope", err)
		return
	}

	id, err := a.intake.Submit(r.Context(), env)
	switch {
	case err == nil:
		a.logger.Info("GPS data accepted", loggingpkg.LogFields{
			"publisher_id": env.PublisherID,
			"message_uuid": id,
		})
		a.respondJSON(w, http.StatusAccepted, IngestResponse{Status: "accepted", MessageID: id})
	case errors.Is(err, errspkg.ErrInvalidInput):
		a.respondError(w, http.StatusBadRequest, err.Error(), err)
	default:
		a.respondError(w, http.StatusInternalServerError, "failed to queue GPS data", err)
	}
}

func (a *api) listRecords(w http.ResponseWriter, r *http.Request) {
	records, err := a.records.List(r.Context())
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "failed to list records", err)
		return
	}
	a.respondRecords(w, records)
}

func (a *api) listPublisherRecords(w http.ResponseWriter, r *http.Request) {
	publisherID := strings.TrimSpace(chi.URLParam(r, "publisherId"))
	if publisherID == "" {
		a.respondError(w, http.StatusBadRequest, "publisherId is required", nil)
		return
	}

	records, err := a.records.ListByPublisher(r.Context(), publisherID)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "failed to list records", err)
		return
	}
	a.respondRecords(w, records)
}

func (a *api) getRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := a.recordID(w, r)
	if !ok {
		return
	}

	rec, err := a.records.Get(r.Context(), id)
	switch {
	case err == nil:
		a.respondJSON(w, http.StatusOK, rec)
	case errors.Is(err, errspkg.ErrRecordNotFound):
		a.respondError(w, http.StatusNotFound, "record not found", nil)
	default:
		a.respondError(w, http.StatusInternalServerError, "failed to load record", err)
	}
}

func (a *api) deleteRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := a.recordID(w, r)
	if !ok {
		return
	}

	err := a.records.Delete(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, errspkg.ErrRecordNotFound):
		a.respondError(w, http.StatusNotFound, "record not found", nil)
	default:
		a.respondError(w, http.StatusInternalServerError, "failed to delete record", err)
	}
}

func (a *api) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultDeadLetterLimit)
	if err != nil || limit <= 0 || limit > maxDeadLetterLimit {
		a.respondError(w, http.StatusBadRequest, "limit must be between 1 and 500", nil)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		a.respondError(w, http.StatusBadRequest, "offset must not be negative", nil)
		return
	}

	letters, err := a.deadLetters.ListDeadLetters(r.Context(), limit, offset)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "failed to list dead letters", err)
		return
	}
	if len(letters) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.respondJSON(w, http.StatusOK, letters)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if !a.intake.Ready() {
		a.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	a.respondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (a *api) handlerStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Handlers: a.stats.Handlers()}
	if m := a.stats.DLQMetrics(); m != nil {
		snap := m.GetSnapshot()
		resp.DeadLetters = &snap
	}
	a.respondJSON(w, http.StatusOK, resp)
}

// respondRecords writes records, or 204 when there are none.
func (a *api) respondRecords(w http.ResponseWriter, records []gps.Record) {
	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.respondJSON(w, http.StatusOK, records)
}

func (a *api) recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		a.respondError(w, http.StatusBadRequest, "id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (a *api) respondJSON(w http.ResponseWriter, status int, body any) {
	data, err := jsoncodec.Marshal(body)
	if err != nil {
		a.logger.Error("Failed to encode response", err, loggingpkg.LogFields{})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		a.logger.Debug("Failed to write response", loggingpkg.LogFields{"error": err.Error()})
	}
}

func (a *api) respondError(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil {
		fields := loggingpkg.LogFields{"status": status, "kind": errspkg.KindLabel(err)}
		if status >= http.StatusInternalServerError {
			a.logger.Error(msg, err, fields)
		} else {
			fields["error"] = err.Error()
			a.logger.Debug(msg, fields)
		}
	}
	a.respondJSON(w, status, ErrorResponse{Error: msg})
}
