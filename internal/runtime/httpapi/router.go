// Package httpapi exposes the pipeline over HTTP: the intake endpoint that
// hands samples to the producer, the read path over persisted records, and
// the operational endpoints (health, metrics, handler statistics).
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	runtimepkg "github.com/drblury/gpsflow/internal/runtime"
	"github.com/drblury/gpsflow/internal/runtime/gps"
	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
	"github.com/drblury/gpsflow/internal/runtime/store"
)

// Intake accepts envelopes for asynchronous processing.
type Intake interface {
	Submit(ctx context.Context, env gps.IngestEnvelope) (string, error)
	Ready() bool
}

// RecordReader is the read and delete side of the storage gateway.
type RecordReader interface {
	Get(ctx context.Context, id int64) (gps.Record, error)
	List(ctx context.Context) ([]gps.Record, error)
	ListByPublisher(ctx context.Context, publisherID string) ([]gps.Record, error)
	Delete(ctx context.Context, id int64) error
}

// DeadLetterLister pages through stored dead letters, newest first.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, limit, offset int) ([]store.DeadLetter, error)
}

// StatsSource reports router handler statistics and dead-letter counters.
type StatsSource interface {
	Handlers() []*runtimepkg.HandlerInfo
	DLQMetrics() *runtimepkg.DLQMetrics
}

// Options wires the API to the pipeline. Intake and Records are required;
// routes whose collaborator is nil are not mounted.
type Options struct {
	Intake      Intake
	Records     RecordReader
	DeadLetters DeadLetterLister
	Stats       StatsSource
	Gatherer    prometheus.Gatherer
	Logger      loggingpkg.ServiceLogger

	// IngestRateLimit caps POST /ingest per client IP per second. Zero
	// disables it.
	IngestRateLimit int
	// RequestTimeout bounds read-path handlers. Zero leaves them unbounded.
	RequestTimeout time.Duration
}

// OptionsFromService builds Options backed by a running service.
func OptionsFromService(svc *runtimepkg.Service) Options {
	opts := Options{
		Intake:          svc,
		Records:         svc.Store(),
		Stats:           svc,
		Gatherer:        svc.Registry(),
		Logger:          svc.Logger,
		IngestRateLimit: svc.Conf.IngestRateLimit,
		RequestTimeout:  svc.Conf.StorageTimeout,
	}
	if lister, ok := svc.Store().(DeadLetterLister); ok {
		opts.DeadLetters = lister
	}
	return opts
}

// NewRouter builds the chi router for the API.
func NewRouter(opts Options) http.Handler {
	api := newAPI(opts)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(api.logRequests)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", api.health)

	if opts.IngestRateLimit > 0 {
		r.With(httprate.LimitByIP(opts.IngestRateLimit, time.Second)).Post("/ingest", api.ingest)
	} else {
		r.Post("/ingest", api.ingest)
	}

	r.Route("/records", func(r chi.Router) {
		if opts.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(opts.RequestTimeout))
		}
		r.Get("/", api.listRecords)
		r.Get("/id/{id}", api.getRecord)
		r.Delete("/id/{id}", api.deleteRecord)
		r.Get("/{publisherId}", api.listPublisherRecords)
	})

	if opts.DeadLetters != nil {
		r.Get("/dead-letters", api.listDeadLetters)
	}
	if opts.Stats != nil {
		r.Get("/stats", api.handlerStats)
	}
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		a.logger.Debug("HTTP request", loggingpkg.LogFields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(started).Milliseconds(),
			"request_id":  chimiddleware.GetReqID(r.Context()),
			"remote_addr": r.RemoteAddr,
		})
	})
}
