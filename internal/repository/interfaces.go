// Package repository はデータ永続化のインターフェースを定義する。
//
// リモートストア（PostgreSQL）は唯一の真実の源であり、タイムスタンプは
// すべてストア側のnow()で割り当てる。購読側が保持するメモリ上の一覧は
// 通知のたびにここで定義するList系操作で丸ごと再構築される。
package repository

import (
	"context"

	"github.com/hitoshi/roomsync/internal/model"
)

// UserRepository はユーザープロフィールの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// UpsertProfile はサインイン時のプロフィールをマージ更新する。
	// 既存レコードがあればdisplay_name/email/photo_url/last_loginのみを
	// 更新し、空値で既存値を潰さない。
	UpsertProfile(ctx context.Context, user *model.User) error

	// UpdateAvatar はキャッシュ済みアバター画像を更新する。
	UpdateAvatar(ctx context.Context, userID string, data []byte, mime string) error

	// GetAvatar はキャッシュ済みアバター画像を返す。未キャッシュの場合は
	// nilデータと空MIMEを返す。
	GetAvatar(ctx context.Context, userID string) ([]byte, string, error)
}

// RoomRepository はチャットルームの永続化インターフェース。
type RoomRepository interface {
	// ListAll は全ルームをupdated_at降順で返す。
	// メンバーシップによるフィルタは行わない（全ユーザーが全ルームを見る）。
	ListAll(ctx context.Context) ([]*model.Room, error)

	// FindByID は指定IDのルームを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Room, error)

	// Create はルームを作成し、ストアが割り当てたタイムスタンプを
	// 反映したルームを返す。
	Create(ctx context.Context, room *model.Room) (*model.Room, error)

	// Delete は指定IDのルームを削除する。含まれるメッセージは
	// CASCADE削除される。
	Delete(ctx context.Context, id string) error

	// AddParticipant は参加者集合にユーザーを冪等に追加する
	// （集合和の追記。既に参加済みなら何もしない）。
	// 参加はルームの活動ではないためupdated_atは更新しない。
	AddParticipant(ctx context.Context, roomID, userID string) error

	// AppendMessage はメッセージの追記と親ルームのlast_message/updated_at
	// 更新を単一トランザクションで行い、サーバー時刻を反映した
	// メッセージを返す。部分的な書き込みは残らない。
	AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error)
}

// MessageRepository はメッセージの永続化インターフェース。
type MessageRepository interface {
	// ListByRoom は指定ルームの全メッセージをtimestamp昇順で返す。
	ListByRoom(ctx context.Context, roomID string) ([]*model.Message, error)

	// FindByID は指定ルーム内のメッセージを取得する。
	// 見つからない場合はnilを返す。
	FindByID(ctx context.Context, roomID, messageID string) (*model.Message, error)

	// MarkRead はreadフラグをfalse→trueへ遷移させる。既にtrueの場合は
	// 何もしない（冪等・単調。trueからfalseへ戻すことはない）。
	MarkRead(ctx context.Context, roomID, messageID string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}
