package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/roomsync/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	var lastLogin sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, photo_url, last_login, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PhotoURL,
		&lastLogin, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	if lastLogin.Valid {
		user.LastLogin = lastLogin.Time
	}

	return user, nil
}

// UpsertProfile はサインイン時のプロフィールをマージ更新する。
// 空のdisplay_name/email/photo_urlで既存値を潰さない
// （IdPが一時的にフィールドを返さないケースへの保護）。
func (r *PostgresUserRepo) UpsertProfile(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, email, photo_url, last_login)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (id) DO UPDATE SET
		     display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name),
		     email        = COALESCE(NULLIF(EXCLUDED.email, ''), users.email),
		     photo_url    = COALESCE(NULLIF(EXCLUDED.photo_url, ''), users.photo_url),
		     last_login   = now(),
		     updated_at   = now()`,
		user.ID, user.DisplayName, user.Email, user.PhotoURL,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}
	return nil
}

// UpdateAvatar はキャッシュ済みアバター画像を更新する。
func (r *PostgresUserRepo) UpdateAvatar(ctx context.Context, userID string, data []byte, mime string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET avatar_data = $2, avatar_mime = $3, updated_at = now()
		 WHERE id = $1`,
		userID, data, mime,
	)
	if err != nil {
		return fmt.Errorf("failed to update avatar: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", userID)
	}
	return nil
}

// GetAvatar はキャッシュ済みアバター画像を返す。未キャッシュの場合は
// nilデータと空MIMEを返す。
func (r *PostgresUserRepo) GetAvatar(ctx context.Context, userID string) ([]byte, string, error) {
	var data []byte
	var mime string
	err := r.db.QueryRowContext(ctx,
		`SELECT avatar_data, avatar_mime FROM users WHERE id = $1`,
		userID,
	).Scan(&data, &mime)

	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get avatar: %w", err)
	}

	return data, mime, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
