package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/luca/internal/repository"
)

// ChatLogRepo implements repository.ChatLogRepository
type ChatLogRepo struct {
	db *DB
}

// NewChatLogRepo creates a new chat log repository
func NewChatLogRepo(db *DB) *ChatLogRepo {
	return &ChatLogRepo{db: db}
}

const chatLogColumns = `id, site, question, answer, collection, history, sources, conv_id, uuid, ip,
	like_count, vote, admin_action, timing, created_at`

// Save inserts a chat log. ID and CreatedAt are filled when zero.
func (r *ChatLogRepo) Save(ctx context.Context, l *repository.ChatLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	historyJSON, err := json.Marshal(nonNil(l.History))
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	sourcesJSON, err := json.Marshal(nonNil(l.Sources))
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}
	timingJSON, err := json.Marshal(l.Timing)
	if err != nil {
		return fmt.Errorf("failed to marshal timing: %w", err)
	}

	query := `
		INSERT INTO chat_logs (` + chatLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		l.ID, l.Site, l.Question, l.Answer, l.Collection, historyJSON, sourcesJSON,
		l.ConvID, l.UUID, l.IP, l.LikeCount, l.Vote, l.AdminAction, timingJSON, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save chat log: %w", err)
	}
	return nil
}

// GetByID retrieves a chat log by ID
func (r *ChatLogRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.ChatLog, error) {
	query := `SELECT ` + chatLogColumns + ` FROM chat_logs WHERE id = $1`
	l, err := scanChatLog(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat log: %w", err)
	}
	return l, nil
}

// ListByConversation returns the last limit turns of convID in chronological order.
func (r *ChatLogRepo) ListByConversation(ctx context.Context, convID string, limit int) ([]*repository.ChatLog, error) {
	query := `
		SELECT * FROM (
			SELECT ` + chatLogColumns + ` FROM chat_logs
			WHERE conv_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat logs: %w", err)
	}
	defer rows.Close()

	var logs []*repository.ChatLog
	for rows.Next() {
		l, err := scanChatLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat logs: %w", err)
	}
	return logs, nil
}

func scanChatLog(row pgx.Row) (*repository.ChatLog, error) {
	var l repository.ChatLog
	var historyJSON, sourcesJSON, timingJSON []byte

	err := row.Scan(
		&l.ID, &l.Site, &l.Question, &l.Answer, &l.Collection, &historyJSON, &sourcesJSON,
		&l.ConvID, &l.UUID, &l.IP, &l.LikeCount, &l.Vote, &l.AdminAction, &timingJSON, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(historyJSON, &l.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	if err := json.Unmarshal(sourcesJSON, &l.Sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
	}
	if err := json.Unmarshal(timingJSON, &l.Timing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal timing: %w", err)
	}
	return &l, nil
}

// nonNil keeps empty lists as [] rather than null in JSONB.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Ensure ChatLogRepo implements ChatLogRepository interface.
var _ repository.ChatLogRepository = (*ChatLogRepo)(nil)
