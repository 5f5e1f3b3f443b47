// Package command は検証済みのミューテーション（ルーム作成・削除・参加、
// メッセージ送信、既読化）を提供する。
//
// 各操作はストアに対するアトミックな単位であり、前提条件エラー
// （Unauthenticated / NoActiveRoom）はストアアクセス前に同期的に返される。
// 部分書き込みは発生しない。書き込み失敗は呼び出し側へそのまま伝搬し、
// 内部でリトライはしない。
package command

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/roomsync/internal/model"
	"github.com/hitoshi/roomsync/internal/repository"
)

// Sanitizer はメッセージ本文のサニタイズに必要なインターフェース。
// security.ContentSanitizerServiceの部分集合として定義する。
type Sanitizer interface {
	Sanitize(raw string) string
}

// Recorder はコマンド実行のメトリクス記録に必要なインターフェース。
// metrics.Collectorの部分集合として定義する。nilでもよい。
type Recorder interface {
	RecordRoomCreated()
	RecordRoomDeleted()
	RecordMessageSent(duration time.Duration)
	RecordCommandFailure(code string)
}

// Service はコマンドレイヤーの実装。
type Service struct {
	rooms     repository.RoomRepository
	messages  repository.MessageRepository
	sanitizer Sanitizer
	recorder  Recorder
	logger    *slog.Logger
}

// NewService はServiceを生成する。recorderはnilでもよい。
func NewService(
	rooms repository.RoomRepository,
	messages repository.MessageRepository,
	sanitizer Sanitizer,
	recorder Recorder,
	logger *slog.Logger,
) *Service {
	return &Service{
		rooms:     rooms,
		messages:  messages,
		sanitizer: sanitizer,
		recorder:  recorder,
		logger:    logger,
	}
}

// CreateRoom は新しいチャットルームを作成し、ルームIDを返す。
// 作成者がオーナーとなり、参加者集合は[作成者]で初期化される。
// パスワードが指定された場合はbcryptハッシュのみを保存する（平文は
// 保存しない）。タイムスタンプはストアのサーバー時刻で割り当てられる。
func (s *Service) CreateRoom(ctx context.Context, userID, name, password string) (string, error) {
	if userID == "" {
		return "", s.fail(model.NewUnauthenticatedError())
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", s.fail(model.NewInvalidRoomNameError())
	}

	var passwordHash string
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", s.fail(model.NewRemoteWriteFailedError(err.Error()))
		}
		passwordHash = string(hash)
	}

	room := &model.Room{
		ID:             uuid.New().String(),
		Name:           name,
		PasswordHash:   passwordHash,
		OwnerID:        userID,
		ParticipantIDs: []string{userID},
	}

	created, err := s.rooms.Create(ctx, room)
	if err != nil {
		return "", s.fail(model.NewRemoteWriteFailedError(err.Error()))
	}

	if s.recorder != nil {
		s.recorder.RecordRoomCreated()
	}
	s.logger.Info("room created",
		slog.String("room_id", created.ID),
		slog.String("owner_id", userID),
		slog.Bool("protected", created.HasPassword()),
	)

	return created.ID, nil
}

// DeleteRoom はルームと含まれる全メッセージを削除する（カスケード）。
// オーナーのみが削除できる。
func (s *Service) DeleteRoom(ctx context.Context, userID, roomID string) error {
	if userID == "" {
		return s.fail(model.NewUnauthenticatedError())
	}

	room, err := s.rooms.FindByID(ctx, roomID)
	if err != nil {
		return s.fail(model.NewRemoteReadFailedError(err.Error()))
	}
	if room == nil {
		return s.fail(model.NewRoomNotFoundError(roomID))
	}
	if !room.IsOwner(userID) {
		return s.fail(model.NewNotRoomOwnerError())
	}

	if err := s.rooms.Delete(ctx, roomID); err != nil {
		return s.fail(model.NewRemoteWriteFailedError(err.Error()))
	}

	if s.recorder != nil {
		s.recorder.RecordRoomDeleted()
	}
	s.logger.Info("room deleted",
		slog.String("room_id", roomID),
		slog.String("owner_id", userID),
	)

	return nil
}

// JoinRoom は参加者集合にユーザーを冪等に追加する（2回参加しても
// 重複しない）。パスワード保護されたルームではハッシュ照合を行い、
// 不一致の場合はInvalidCredentialを返す。オーナーは明示的なOwnerIDの
// 照合によりパスワードなしで入室できる（参加者配列の先頭位置による
// 判定は行わない）。
func (s *Service) JoinRoom(ctx context.Context, userID, roomID, password string) (*model.Room, error) {
	if userID == "" {
		return nil, s.fail(model.NewUnauthenticatedError())
	}

	room, err := s.rooms.FindByID(ctx, roomID)
	if err != nil {
		return nil, s.fail(model.NewRemoteReadFailedError(err.Error()))
	}
	if room == nil {
		return nil, s.fail(model.NewRoomNotFoundError(roomID))
	}

	if room.HasPassword() && !room.IsOwner(userID) {
		if err := bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)); err != nil {
			return nil, s.fail(model.NewInvalidCredentialError())
		}
	}

	if err := s.rooms.AddParticipant(ctx, roomID, userID); err != nil {
		return nil, s.fail(model.NewRemoteWriteFailedError(err.Error()))
	}

	s.logger.Info("user joined room",
		slog.String("room_id", roomID),
		slog.String("user_id", userID),
	)

	return room, nil
}

// SendMessage は現在のルームへメッセージを送信する。
// メッセージの追記と親ルームのlastMessage/updatedAt更新は単一
// トランザクションで行われ、部分的な失敗は残らない。
// 本文はトリムおよびサニタイズされ、空になった場合は拒否される。
func (s *Service) SendMessage(ctx context.Context, userID string, room *model.Room, content string) (*model.Message, error) {
	if userID == "" {
		return nil, s.fail(model.NewUnauthenticatedError())
	}
	if room == nil {
		return nil, s.fail(model.NewNoActiveRoomError())
	}

	content = strings.TrimSpace(content)
	if s.sanitizer != nil {
		content = s.sanitizer.Sanitize(content)
	}
	if content == "" {
		return nil, s.fail(model.NewEmptyMessageError())
	}

	start := time.Now()
	msg := &model.Message{
		ID:       uuid.New().String(),
		RoomID:   room.ID,
		SenderID: userID,
		Content:  content,
	}

	stored, err := s.rooms.AppendMessage(ctx, msg)
	if err != nil {
		return nil, s.fail(model.NewRemoteWriteFailedError(err.Error()))
	}

	if s.recorder != nil {
		s.recorder.RecordMessageSent(time.Since(start))
	}
	s.logger.Info("message sent",
		slog.String("room_id", room.ID),
		slog.String("message_id", stored.ID),
		slog.String("sender_id", userID),
	)

	return stored, nil
}

// MarkAsRead は指定メッセージのreadフラグをtrueにする。
// 既にtrueの場合は何もしない（冪等）。現在のルームが必要。
func (s *Service) MarkAsRead(ctx context.Context, room *model.Room, messageID string) error {
	if room == nil {
		return s.fail(model.NewNoActiveRoomError())
	}

	if err := s.messages.MarkRead(ctx, room.ID, messageID); err != nil {
		return s.fail(model.NewRemoteWriteFailedError(err.Error()))
	}

	return nil
}

// fail はコマンド失敗をメトリクスへ記録してエラーをそのまま返す。
func (s *Service) fail(apiErr *model.APIError) error {
	if s.recorder != nil {
		s.recorder.RecordCommandFailure(apiErr.Code)
	}
	return apiErr
}
