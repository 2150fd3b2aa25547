package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// sqlStore implements ConversationStore, DedupRepo and OutboxRepo over
// database/sql. The SQLite and Postgres stores embed it.
type sqlStore struct {
	db     *sql.DB
	name   string
	dollar bool // use $n placeholders instead of ?
	// claimLock, when set, runs at the start of an outbox claim transaction so
	// concurrent processes claim one at a time.
	claimLock string
}

// q rewrites ? placeholders for drivers that need numbered parameters.
func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) GetConversation(ctx context.Context, phoneNumber string) (*models.Conversation, error) {
	var payload []byte
	var version int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT c.payload, c.version FROM conversation_index i
		 JOIN conversations c ON c.record_id = i.record_id
		 WHERE i.phone_number = ?`), phoneNumber).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		slog.Error(s.name+".GetConversation failed", "error", err, "phone", phoneNumber)
		return nil, unavailable("get", err)
	}
	c, err := decodeConversation(payload)
	if err != nil {
		return nil, unavailable("get", err)
	}
	c.Version = version
	return c, nil
}

func (s *sqlStore) CreateConversation(ctx context.Context, seed models.Conversation) (*models.Conversation, error) {
	c := prepareSeed(seed)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertRecord(ctx, tx, &c); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO conversation_index (phone_number, record_id, partition_day, updated_at)
			 VALUES (?, ?, ?, ?) ON CONFLICT (phone_number) DO NOTHING`),
			c.PhoneNumber, c.RecordID, c.PartitionDay, c.UpdatedAt.UTC())
		if err != nil {
			return unavailable("create index", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("create index", err)
		}
		if n == 0 {
			return ErrDuplicateConversation
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug(s.name+".CreateConversation succeeded", "phone", c.PhoneNumber, "record", c.RecordID, "partition", c.PartitionDay)
	return &c, nil
}

func (s *sqlStore) SaveConversation(ctx context.Context, c *models.Conversation) error {
	next := *c
	next.Version = c.Version + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE conversations SET status = ?, current_state = ?, version = ?, payload = ?, updated_at = ?
		 WHERE record_id = ? AND version = ?`),
		string(next.Status), next.CurrentState, next.Version, string(payload), next.UpdatedAt.UTC(),
		next.RecordID, c.Version)
	if err != nil {
		slog.Error(s.name+".SaveConversation failed", "error", err, "phone", c.PhoneNumber)
		return unavailable("save", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("save", err)
	}
	if n == 0 {
		var current int64
		err := s.db.QueryRowContext(ctx, s.q(`SELECT version FROM conversations WHERE record_id = ?`), c.RecordID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConversationNotFound
		}
		if err != nil {
			return unavailable("save", err)
		}
		slog.Warn(s.name+".SaveConversation: stale version", "phone", c.PhoneNumber, "have", c.Version, "stored", current)
		return ErrVersionConflict
	}
	c.Version = next.Version
	return nil
}

func (s *sqlStore) ResetConversation(ctx context.Context, seed models.Conversation) (*models.Conversation, error) {
	c := prepareSeed(seed)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertRecord(ctx, tx, &c); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO conversation_index (phone_number, record_id, partition_day, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (phone_number) DO UPDATE SET
			   record_id = excluded.record_id,
			   partition_day = excluded.partition_day,
			   updated_at = excluded.updated_at`),
			c.PhoneNumber, c.RecordID, c.PartitionDay, c.UpdatedAt.UTC())
		if err != nil {
			return unavailable("reset index", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info(s.name+".ResetConversation succeeded", "phone", c.PhoneNumber, "record", c.RecordID)
	return &c, nil
}

func (s *sqlStore) ListConversations(ctx context.Context, day string) ([]models.Conversation, error) {
	var rows *sql.Rows
	var err error
	if day == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT c.payload, c.version FROM conversation_index i
			 JOIN conversations c ON c.record_id = i.record_id
			 ORDER BY c.created_at ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx, s.q(
			`SELECT payload, version FROM conversations WHERE partition_day = ? ORDER BY created_at ASC`), day)
	}
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var payload []byte
		var version int64
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, unavailable("list", err)
		}
		c, err := decodeConversation(payload)
		if err != nil {
			return nil, unavailable("list", err)
		}
		c.Version = version
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

func (s *sqlStore) CountByStatus(ctx context.Context) (models.ConversationStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.status, COUNT(*) FROM conversation_index i
		 JOIN conversations c ON c.record_id = i.record_id
		 GROUP BY c.status`)
	if err != nil {
		return models.ConversationStats{}, unavailable("count", err)
	}
	defer rows.Close()

	stats := newStats()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.ConversationStats{}, unavailable("count", err)
		}
		stats.ByStatus[models.ConversationStatus(status)] += n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return models.ConversationStats{}, unavailable("count", err)
	}
	return stats, nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *sqlStore) insertRecord(ctx context.Context, tx *sql.Tx, c *models.Conversation) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO conversations (record_id, partition_day, phone_number, product_key, status, current_state, version, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.RecordID, c.PartitionDay, c.PhoneNumber, c.ProductKey, string(c.Status), c.CurrentState,
		c.Version, string(payload), c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return unavailable("insert record", err)
	}
	return nil
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error(s.name+": rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func decodeConversation(payload []byte) (*models.Conversation, error) {
	var c models.Conversation
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if c.Answers == nil {
		c.Answers = make(map[string]string)
	}
	return &c, nil
}
