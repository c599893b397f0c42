package gps

import (
	"fmt"
	"strconv"
	"time"

	"github.com/drblury/gpsflow/internal/runtime/jsoncodec"
)

// Metadata keys carried by dead-lettered messages.
const (
	// MetadataDeathHistory holds the broker failure history as a JSON array
	// of DeathEntry values.
	MetadataDeathHistory = "x-death"
	// MetadataFirstDeathReason and friends mirror RabbitMQ's summary headers.
	MetadataFirstDeathReason   = "x-first-death-reason"
	MetadataFirstDeathQueue    = "x-first-death-queue"
	MetadataFirstDeathExchange = "x-first-death-exchange"

	// Keys written by the in-process poison queue when the dead-letter path
	// is emulated.
	MetadataPoisonReason = "reason_poisoned"
	MetadataPoisonTopic  = "topic_poisoned"

	MetadataCorrelationID = "correlation_id"
	MetadataPublisherID   = "publisher_id"
)

// Death reasons.
const (
	ReasonRejected = "rejected"
	ReasonExpired  = "expired"
	ReasonMaxLen   = "maxlen"
)

// DeathEntry is one element of a message's delivery-failure history.
type DeathEntry struct {
	Queue       string    `json:"queue"`
	Exchange    string    `json:"exchange"`
	Reason      string    `json:"reason"`
	Count       int64     `json:"count"`
	RoutingKeys []string  `json:"routing-keys,omitempty"`
	Time        time.Time `json:"time"`
	// Detail is the handler error text when the entry was synthesised in
	// process rather than reported by the broker.
	Detail string `json:"detail,omitempty"`
}

// DeadLetterEvent is the observable view of a terminally failed message.
type DeadLetterEvent struct {
	MessageID  string
	Body       []byte
	Deaths     []DeathEntry
	Metadata   map[string]string
	ReceivedAt time.Time
}

// Reason returns the reason of the most recent death, or "unknown".
func (e DeadLetterEvent) Reason() string {
	if len(e.Deaths) == 0 || e.Deaths[0].Reason == "" {
		return "unknown"
	}
	return e.Deaths[0].Reason
}

// SourceQueue returns the queue the message was rejected from.
func (e DeadLetterEvent) SourceQueue() string {
	if len(e.Deaths) == 0 {
		return ""
	}
	return e.Deaths[0].Queue
}

// RetryCount sums the delivery counts across the failure history.
func (e DeadLetterEvent) RetryCount() int64 {
	var n int64
	for _, d := range e.Deaths {
		n += d.Count
	}
	return n
}

// DeathEntriesFromMetadata rebuilds the failure history of a dead-lettered
// message. Broker-supplied history wins; otherwise an entry is synthesised
// from poison queue metadata. An empty history is not an error.
func DeathEntriesFromMetadata(md map[string]string) ([]DeathEntry, error) {
	if raw, ok := md[MetadataDeathHistory]; ok && raw != "" {
		var entries []DeathEntry
		if err := jsoncodec.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("decode %s metadata: %w", MetadataDeathHistory, err)
		}
		return entries, nil
	}

	if reason, ok := md[MetadataPoisonReason]; ok {
		return []DeathEntry{{
			Queue:  md[MetadataPoisonTopic],
			Reason: ReasonRejected,
			Count:  1,
			Detail: reason,
		}}, nil
	}

	if reason, ok := md[MetadataFirstDeathReason]; ok {
		count, _ := strconv.ParseInt(md["x-delivery-count"], 10, 64)
		if count == 0 {
			count = 1
		}
		return []DeathEntry{{
			Queue:    md[MetadataFirstDeathQueue],
			Exchange: md[MetadataFirstDeathExchange],
			Reason:   reason,
			Count:    count,
		}}, nil
	}

	return nil, nil
}
