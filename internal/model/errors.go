package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, room, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// AsAPIError はエラーチェーンからAPIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated   = "UNAUTHENTICATED"
	ErrCodeNoActiveRoom      = "NO_ACTIVE_ROOM"
	ErrCodeRemoteWriteFailed = "REMOTE_WRITE_FAILED"
	ErrCodeRemoteReadFailed  = "REMOTE_READ_FAILED"
	ErrCodeInvalidCredential = "INVALID_CREDENTIAL"
	ErrCodeRoomNotFound      = "ROOM_NOT_FOUND"
	ErrCodeNotRoomOwner      = "NOT_ROOM_OWNER"
	ErrCodeInvalidRoomName   = "INVALID_ROOM_NAME"
	ErrCodeEmptyMessage      = "EMPTY_MESSAGE"
	ErrCodeMessageNotFound   = "MESSAGE_NOT_FOUND"
)

// NewUnauthenticatedError は未認証エラーを生成する。
// 認証を要するコマンドがプリンシパル不在のまま呼ばれた場合に、
// ストアアクセス前に同期的に返される。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewNoActiveRoomError はルーム未選択エラーを生成する。
func NewNoActiveRoomError() *APIError {
	return &APIError{
		Code:     ErrCodeNoActiveRoom,
		Message:  "チャットルームが選択されていません。",
		Category: "validation",
		Action:   "ルームを選択してから再度お試しください。",
	}
}

// NewRemoteWriteFailedError はストア書き込み失敗エラーを生成する。
// 内部でリトライはせず、呼び出し側にそのまま伝搬する。
func NewRemoteWriteFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteWriteFailed,
		Message:  fmt.Sprintf("書き込みに失敗しました: %s", reason),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRemoteReadFailedError はストア読み取り失敗エラーを生成する。
// 購読ストリーム自体は維持され、トランスポートの回復後に再開し得る。
func NewRemoteReadFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteReadFailed,
		Message:  fmt.Sprintf("読み取りに失敗しました: %s", reason),
		Category: "system",
		Action:   "接続状態を確認してください。",
	}
}

// NewInvalidCredentialError はルームパスワード不一致エラーを生成する。
func NewInvalidCredentialError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredential,
		Message:  "パスワードが正しくありません。",
		Category: "auth",
		Action:   "パスワードを確認して再度お試しください。",
	}
}

// NewRoomNotFoundError はルーム未検出エラーを生成する。
func NewRoomNotFoundError(roomID string) *APIError {
	return &APIError{
		Code:     ErrCodeRoomNotFound,
		Message:  fmt.Sprintf("指定されたチャットルームが見つかりません: %s", roomID),
		Category: "room",
		Action:   "ルーム一覧を更新して確認してください。",
	}
}

// NewNotRoomOwnerError はオーナー以外による削除操作のエラーを生成する。
func NewNotRoomOwnerError() *APIError {
	return &APIError{
		Code:     ErrCodeNotRoomOwner,
		Message:  "この操作はルームのオーナーのみが実行できます。",
		Category: "auth",
		Action:   "ルームのオーナーに依頼してください。",
	}
}

// NewInvalidRoomNameError は無効なルーム名エラーを生成する。
func NewInvalidRoomNameError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRoomName,
		Message:  "ルーム名が空です。",
		Category: "validation",
		Action:   "1文字以上のルーム名を入力してください。",
	}
}

// NewEmptyMessageError は空メッセージエラーを生成する。
func NewEmptyMessageError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyMessage,
		Message:  "メッセージが空です。",
		Category: "validation",
		Action:   "本文を入力してから送信してください。",
	}
}

// NewMessageNotFoundError はメッセージ未検出エラーを生成する。
func NewMessageNotFoundError(messageID string) *APIError {
	return &APIError{
		Code:     ErrCodeMessageNotFound,
		Message:  fmt.Sprintf("指定されたメッセージが見つかりません: %s", messageID),
		Category: "room",
		Action:   "メッセージIDを確認してください。",
	}
}
