package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	_ DedupRepo = (*SQLiteStore)(nil)
	_ DedupRepo = (*PostgresStore)(nil)
)

func (s *sqlStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("dedup check", err)
	}
	return true, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, phoneNumber string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO inbound_dedup (message_id, phone_number, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`),
		messageID, phoneNumber, time.Now().UTC())
	if err != nil {
		return false, unavailable("record inbound", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("record inbound", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ? AND processed_at IS NULL`),
		time.Now().UTC(), messageID)
	if err != nil {
		return unavailable("mark processed", err)
	}
	return nil
}

func (s *sqlStore) UnprocessedInbound(ctx context.Context, olderThan time.Time) ([]DedupRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT message_id, phone_number, received_at FROM inbound_dedup
		 WHERE processed_at IS NULL AND received_at < ? ORDER BY received_at ASC`),
		olderThan.UTC())
	if err != nil {
		return nil, unavailable("unprocessed inbound", err)
	}
	defer rows.Close()

	var out []DedupRecord
	for rows.Next() {
		var r DedupRecord
		if err := rows.Scan(&r.MessageID, &r.PhoneNumber, &r.ReceivedAt); err != nil {
			return nil, unavailable("unprocessed inbound", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("unprocessed inbound", err)
	}
	return out, nil
}
