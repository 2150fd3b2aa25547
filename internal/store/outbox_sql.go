package store

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	_ OutboxRepo = (*SQLiteStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
)

const outboxColumns = `id, phone_number, delivery_id, reply_index, body, status, attempts,
	next_attempt_at, claimed_at, last_error, created_at, updated_at`

func (s *sqlStore) EnqueueReply(ctx context.Context, phoneNumber, deliveryID string, bodies []string) (int, error) {
	if len(bodies) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	added := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, body := range bodies {
			res, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO outbox_messages (id, phone_number, delivery_id, reply_index, body, status, attempts, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?)
				 ON CONFLICT (delivery_id, reply_index) DO NOTHING`),
				"out_"+uuid.NewString(), phoneNumber, nullString(deliveryID), i, body, now, now)
			if err != nil {
				return unavailable("enqueue reply", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return unavailable("enqueue reply", err)
			}
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if added < len(bodies) {
		slog.Debug(s.name+".EnqueueReply: reply already queued", "delivery", deliveryID, "new", added, "texts", len(bodies))
	}
	return added, nil
}

func (s *sqlStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	var msgs []OutboxMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if s.claimLock != "" {
			if _, err := tx.ExecContext(ctx, s.claimLock); err != nil {
				return unavailable("claim lock", err)
			}
		}
		// An earlier text for the same contact that is in flight or backing off
		// holds back everything queued after it.
		rows, err := tx.QueryContext(ctx, s.q(
			`SELECT `+outboxColumns+` FROM outbox_messages m
			 WHERE m.status = 'queued' AND (m.next_attempt_at IS NULL OR m.next_attempt_at <= ?)
			   AND NOT EXISTS (
			     SELECT 1 FROM outbox_messages p
			     WHERE p.phone_number = m.phone_number AND p.seq < m.seq
			       AND (p.status = 'sending' OR (p.status = 'queued' AND p.next_attempt_at > ?))
			   )
			 ORDER BY m.seq ASC LIMIT ?`), now, now, limit)
		if err != nil {
			return unavailable("claim outbox", err)
		}
		msgs, err = scanOutboxMessages(rows)
		if err != nil {
			return err
		}
		for i := range msgs {
			if _, err := tx.ExecContext(ctx, s.q(
				`UPDATE outbox_messages SET status = 'sending', claimed_at = ?, updated_at = ? WHERE id = ?`),
				now, now, msgs[i].ID); err != nil {
				return unavailable("claim outbox", err)
			}
			msgs[i].Status = OutboxStatusSending
			msgs[i].ClaimedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *sqlStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE outbox_messages SET status = 'sent', claimed_at = NULL, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), id)
	if err != nil {
		return unavailable("mark sent", err)
	}
	return nil
}

func (s *sqlStore) FailOutboxMessage(ctx context.Context, id, errMsg string, nextAttemptAt time.Time, giveUp bool) error {
	status := OutboxStatusQueued
	if giveUp {
		status = OutboxStatusFailed
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE outbox_messages
		 SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ?`),
		string(status), errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return unavailable("fail outbox message", err)
	}
	if giveUp {
		slog.Error(s.name+".FailOutboxMessage: giving up on reply text", "id", id, "error", errMsg)
	}
	return nil
}

func (s *sqlStore) ReleaseOutboxMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE outbox_messages SET status = 'queued', claimed_at = NULL, updated_at = ?
		 WHERE status = 'sending' AND id IN (`+placeholders+`)`), args...)
	if err != nil {
		return unavailable("release outbox messages", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE outbox_messages SET status = 'queued', claimed_at = NULL, updated_at = ?
		 WHERE status = 'sending' AND claimed_at < ?`),
		time.Now().UTC(), staleBefore.UTC())
	if err != nil {
		return 0, unavailable("requeue stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("requeue stale", err)
	}
	if n > 0 {
		slog.Info(s.name+".RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func scanOutboxMessages(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var out []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var deliveryID, lastError sql.NullString
		var nextAttemptAt, claimedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.PhoneNumber, &deliveryID, &m.ReplyIndex, &m.Body, &m.Status, &m.Attempts,
			&nextAttemptAt, &claimedAt, &lastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, unavailable("scan outbox message", err)
		}
		m.DeliveryID = deliveryID.String
		m.LastError = lastError.String
		if nextAttemptAt.Valid {
			t := nextAttemptAt.Time
			m.NextAttemptAt = &t
		}
		if claimedAt.Valid {
			t := claimedAt.Time
			m.ClaimedAt = &t
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan outbox message", err)
	}
	return out, nil
}

// nullString maps "" to SQL NULL so optional keys never collide in unique indexes.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
