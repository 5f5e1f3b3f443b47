package model

import "time"

// Room はチャットルームを表す。
// ParticipantIDs は参加順を保持する重複なしの集合で、増えることはあっても
// 減ることはない。OwnerID は常にParticipantIDsに含まれる。
type Room struct {
	ID   string
	Name string
	// PasswordHash は入室パスワードのbcryptハッシュ。保護されていない
	// ルームでは空文字列。平文は保存しない。
	PasswordHash   string
	OwnerID        string
	ParticipantIDs []string
	// LastMessage は直近メッセージの非正規化コピー。ルーム一覧の表示用。
	LastMessage *Message
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasPassword はルームがパスワード保護されているかを返す。
func (r *Room) HasPassword() bool {
	return r.PasswordHash != ""
}

// IsOwner は指定ユーザーがルームのオーナーかを返す。
// 参加者配列の先頭位置ではなく、明示的なOwnerIDで判定する。
func (r *Room) IsOwner(userID string) bool {
	return userID != "" && r.OwnerID == userID
}

// HasParticipant は指定ユーザーが参加者に含まれるかを返す。
func (r *Room) HasParticipant(userID string) bool {
	for _, id := range r.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}
