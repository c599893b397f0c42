package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/drblury/gpsflow/internal/runtime/gps"
	"github.com/drblury/gpsflow/internal/runtime/jsoncodec"
)

// DeadLetter is a stored copy of a terminally failed message.
type DeadLetter struct {
	ID          int64            `json:"id"`
	MessageID   string           `json:"messageId"`
	Body        string           `json:"body"`
	Reason      string           `json:"reason"`
	SourceQueue string           `json:"sourceQueue"`
	DeathCount  int64            `json:"deathCount"`
	History     []gps.DeathEntry `json:"history"`
	ReceivedAt  time.Time        `json:"receivedAt"`
}

// RecordDeadLetter keeps a forensic copy of a dead-lettered message.
func (s *SQLStore) RecordDeadLetter(ctx context.Context, ev gps.DeadLetterEvent) error {
	history := ev.Deaths
	if history == nil {
		history = []gps.DeathEntry{}
	}
	historyJSON, err := jsoncodec.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode death history: %w", err)
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	body := ev.Body
	if body == nil {
		body = []byte{}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO dead_letters (message_id, body, reason, source_queue, death_count, history, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), ev.MessageID, body, ev.Reason(), ev.SourceQueue(), ev.RetryCount(), string(historyJSON), s.dialect.instantArg(receivedAt))
		if err != nil {
			return fmt.Errorf("failed to insert dead letter: %w", err)
		}
		return nil
	})
}

// ListDeadLetters returns the most recent dead letters first.
func (s *SQLStore) ListDeadLetters(ctx context.Context, limit, offset int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, message_id, body, reason, source_queue, death_count, history, received_at
		FROM dead_letters
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	letters := make([]DeadLetter, 0)
	for rows.Next() {
		var (
			dl          DeadLetter
			body        []byte
			historyJSON []byte
		)
		if err := rows.Scan(
			&dl.ID,
			&dl.MessageID,
			&body,
			&dl.Reason,
			&dl.SourceQueue,
			&dl.DeathCount,
			&historyJSON,
			instantColumn{dst: &dl.ReceivedAt},
		); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Body = string(body)
		if len(historyJSON) > 0 {
			if err := jsoncodec.Unmarshal(historyJSON, &dl.History); err != nil && s.logger != nil {
				s.logger.Error("failed to decode death history", err, nil)
			}
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	return letters, nil
}
