// Package gps holds the value types that flow through the ingestion pipeline.
package gps

import "fmt"

// GpsSample is a single position fix as submitted by a publisher.
// Pointer coordinates distinguish "absent" from zero.
type GpsSample struct {
	Latitude  *float64 `json:"latitude" validate:"required,finite"`
	Longitude *float64 `json:"longitude" validate:"required,finite"`
	Height    *float64 `json:"height,omitempty" validate:"omitempty,finite"`
	Timestamp string   `json:"timestamp" validate:"notblank,localdatetime"`
}

// IngestEnvelope is the unit of transport through the broker.
//
// The intake tags drive the cheap check run before queueing; the validate
// tags drive the full check run before persistence.
type IngestEnvelope struct {
	PublisherID string     `json:"publisherId" intake:"notblank" validate:"notblank,max=100"`
	GpsSample   *GpsSample `json:"gpsSample" intake:"required" validate:"required"`
}

// Record is a persisted sample. ID is assigned by the storage gateway.
type Record struct {
	ID          int64     `json:"id"`
	PublisherID string    `json:"publisherId"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Height      *float64  `json:"height,omitempty"`
	Timestamp   LocalTime `json:"timestamp"`
}

// NewRecord transforms a fully validated envelope into an unsaved Record.
func NewRecord(env IngestEnvelope) (Record, error) {
	sample := env.GpsSample
	if sample == nil || sample.Latitude == nil || sample.Longitude == nil {
		return Record{}, fmt.Errorf("envelope for %q has no coordinates", env.PublisherID)
	}
	ts, err := ParseLocalTime(sample.Timestamp)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		PublisherID: env.PublisherID,
		Latitude:    *sample.Latitude,
		Longitude:   *sample.Longitude,
		Timestamp:   ts,
	}
	if sample.Height != nil {
		h := *sample.Height
		rec.Height = &h
	}
	return rec, nil
}

// Float returns a pointer to v, for building samples in code.
func Float(v float64) *float64 {
	return &v
}
