package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/roomsync/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// ListByRoom は指定ルームの全メッセージをtimestamp昇順で返す。
// 同時刻のメッセージはIDで安定ソートする。
func (r *PostgresMessageRepo) ListByRoom(ctx context.Context, roomID string) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, content, ts, read
		 FROM messages
		 WHERE room_id = $1
		 ORDER BY ts ASC, id ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []*model.Message{}
	for rows.Next() {
		msg := &model.Message{}
		if err := rows.Scan(
			&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content,
			&msg.Timestamp, &msg.Read,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return messages, nil
}

// FindByID は指定ルーム内のメッセージを取得する。見つからない場合はnilを返す。
func (r *PostgresMessageRepo) FindByID(ctx context.Context, roomID, messageID string) (*model.Message, error) {
	msg := &model.Message{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, room_id, sender_id, content, ts, read
		 FROM messages
		 WHERE room_id = $1 AND id = $2`,
		roomID, messageID,
	).Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &msg.Timestamp, &msg.Read)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message by ID: %w", err)
	}

	return msg, nil
}

// MarkRead はreadフラグをfalse→trueへ遷移させる。
// WHERE句のread = FALSEにより遷移は単調になる（trueに戻すUPDATEは発生せず、
// 既読メッセージへの再実行は0行更新の冪等な操作になる）。
func (r *PostgresMessageRepo) MarkRead(ctx context.Context, roomID, messageID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE messages SET read = TRUE
		 WHERE room_id = $1 AND id = $2 AND read = FALSE`,
		roomID, messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message as read: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// 0行更新は「既に既読」か「メッセージが存在しない」のどちらか
	var exists bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE room_id = $1 AND id = $2)`,
		roomID, messageID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check message existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("message not found: %s", messageID)
	}
	return nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
