package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/roomsync/internal/model"
)

// PostgresRoomRepo はPostgreSQLを使用したルームリポジトリ。
type PostgresRoomRepo struct {
	db *sql.DB
}

// NewPostgresRoomRepo はPostgresRoomRepoを生成する。
func NewPostgresRoomRepo(db *sql.DB) *PostgresRoomRepo {
	return &PostgresRoomRepo{db: db}
}

// roomColumns はルーム1件のSELECT列。スキャン順はscanRoomと対応する。
const roomColumns = `id, name, password_hash, owner_id, participant_ids,
	last_message_id, last_message_sender_id, last_message_content,
	last_message_ts, last_message_read, created_at, updated_at`

// scanRoom は1行をmodel.Roomへ読み取る。
func scanRoom(scan func(dest ...any) error) (*model.Room, error) {
	room := &model.Room{}
	var (
		lastMsgID       sql.NullString
		lastMsgSenderID sql.NullString
		lastMsgContent  sql.NullString
		lastMsgTS       sql.NullTime
		lastMsgRead     sql.NullBool
	)

	err := scan(
		&room.ID, &room.Name, &room.PasswordHash, &room.OwnerID,
		pq.Array(&room.ParticipantIDs),
		&lastMsgID, &lastMsgSenderID, &lastMsgContent, &lastMsgTS, &lastMsgRead,
		&room.CreatedAt, &room.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastMsgID.Valid {
		room.LastMessage = &model.Message{
			ID:        lastMsgID.String,
			RoomID:    room.ID,
			SenderID:  lastMsgSenderID.String,
			Content:   lastMsgContent.String,
			Timestamp: lastMsgTS.Time,
			Read:      lastMsgRead.Bool,
		}
	}

	return room, nil
}

// ListAll は全ルームをupdated_at降順で返す。
func (r *PostgresRoomRepo) ListAll(ctx context.Context) ([]*model.Room, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM rooms ORDER BY updated_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []*model.Room{}
	for rows.Next() {
		room, err := scanRoom(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rooms: %w", err)
	}

	return rooms, nil
}

// FindByID は指定IDのルームを取得する。見つからない場合はnilを返す。
func (r *PostgresRoomRepo) FindByID(ctx context.Context, id string) (*model.Room, error) {
	room, err := scanRoom(r.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id,
	).Scan)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find room by ID: %w", err)
	}

	return room, nil
}

// Create はルームを作成する。created_at/updated_atはストア側のnow()で
// 割り当て、RETURNINGで呼び出し側へ返す。
func (r *PostgresRoomRepo) Create(ctx context.Context, room *model.Room) (*model.Room, error) {
	created := *room
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO rooms (id, name, password_hash, owner_id, participant_ids)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		room.ID, room.Name, room.PasswordHash, room.OwnerID,
		pq.Array(room.ParticipantIDs),
	).Scan(&created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert room: %w", err)
	}

	return &created, nil
}

// Delete は指定IDのルームを削除する。メッセージはCASCADE削除される。
func (r *PostgresRoomRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM rooms WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("room not found: %s", id)
	}
	return nil
}

// AddParticipant は参加者集合にユーザーを冪等に追加する。
// array_appendをANY条件で保護することで重複追加を防ぐ。
// updated_atは触らない（参加はルーム一覧の並び順に影響しない）。
func (r *PostgresRoomRepo) AddParticipant(ctx context.Context, roomID, userID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE rooms
		 SET participant_ids = array_append(participant_ids, $2)
		 WHERE id = $1 AND NOT ($2 = ANY(participant_ids))`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// 0行更新は「既に参加済み」か「ルームが存在しない」のどちらか
	var exists bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, roomID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check room existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("room not found: %s", roomID)
	}
	return nil
}

// AppendMessage はメッセージの追記と親ルームの非正規化コピーの更新を
// 単一トランザクションで行う。どちらかが失敗した場合は両方ロールバック
// され、メッセージログとルーム一覧の不整合は発生しない。
func (r *PostgresRoomRepo) AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored := *msg
	stored.Read = false

	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, content, read)
		 VALUES ($1, $2, $3, $4, FALSE)
		 RETURNING ts`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Content,
	).Scan(&stored.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE rooms
		 SET last_message_id = $2,
		     last_message_sender_id = $3,
		     last_message_content = $4,
		     last_message_ts = $5,
		     last_message_read = FALSE,
		     updated_at = now()
		 WHERE id = $1`,
		msg.RoomID, stored.ID, stored.SenderID, stored.Content, stored.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update room last message: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("room not found: %s", msg.RoomID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &stored, nil
}

// compile-time interface check
var _ RoomRepository = (*PostgresRoomRepo)(nil)
