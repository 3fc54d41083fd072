package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/ragchat/internal/model"
	"github.com/xxxsen/ragchat/internal/pkg/dbutil"
)

const messageTable = "chat_history"

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func (r *MessageRepo) Append(ctx context.Context, msg *model.Message) error {
	return r.AppendBatch(ctx, []*model.Message{msg})
}

// AppendBatch writes all messages in one transaction, in slice order.
func (r *MessageRepo) AppendBatch(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	now := time.Now()
	for _, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		data := map[string]interface{}{
			"session_id": msg.SessionID,
			"role":       string(msg.Role),
			"content":    msg.Content,
			"created_at": msg.CreatedAt,
		}
		sqlStr, args, err := builder.BuildInsert(messageTable, []map[string]interface{}{data})
		if err != nil {
			return err
		}
		sqlStr, args = dbutil.Finalize(sqlStr, args)
		if err := tx.QueryRowContext(ctx, sqlStr+" RETURNING id", args...).Scan(&msg.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRecent returns the newest limit messages of a session in insertion order.
func (r *MessageRepo) ListRecent(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	const query = `
		SELECT id, session_id, role, content, created_at FROM (
			SELECT id, session_id, role, content, created_at
			FROM chat_history
			WHERE session_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs := make([]model.Message, 0, limit)
	for rows.Next() {
		var (
			msg  model.Message
			role string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = model.Role(role)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (r *MessageRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	sqlStr, args := dbutil.Finalize("SELECT COUNT(*) FROM chat_history WHERE session_id=?", []interface{}{sessionID})
	var total int
	if err := r.db.QueryRowContext(ctx, sqlStr, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *MessageRepo) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	sqlStr, args, err := builder.BuildDelete(messageTable, map[string]interface{}{"session_id": sessionID})
	if err != nil {
		return 0, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
