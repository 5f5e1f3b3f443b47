package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/roomsync/internal/model"
)

type mockRoomRepo struct {
	listAllFunc        func(ctx context.Context) ([]*model.Room, error)
	findByIDFunc       func(ctx context.Context, id string) (*model.Room, error)
	createFunc         func(ctx context.Context, room *model.Room) (*model.Room, error)
	deleteFunc         func(ctx context.Context, id string) error
	addParticipantFunc func(ctx context.Context, roomID, userID string) error
	appendMessageFunc  func(ctx context.Context, msg *model.Message) (*model.Message, error)
}

func (m *mockRoomRepo) ListAll(ctx context.Context) ([]*model.Room, error) {
	return m.listAllFunc(ctx)
}

func (m *mockRoomRepo) FindByID(ctx context.Context, id string) (*model.Room, error) {
	return m.findByIDFunc(ctx, id)
}

func (m *mockRoomRepo) Create(ctx context.Context, room *model.Room) (*model.Room, error) {
	return m.createFunc(ctx, room)
}

func (m *mockRoomRepo) Delete(ctx context.Context, id string) error {
	return m.deleteFunc(ctx, id)
}

func (m *mockRoomRepo) AddParticipant(ctx context.Context, roomID, userID string) error {
	return m.addParticipantFunc(ctx, roomID, userID)
}

func (m *mockRoomRepo) AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	return m.appendMessageFunc(ctx, msg)
}

type mockMessageRepo struct {
	listByRoomFunc func(ctx context.Context, roomID string) ([]*model.Message, error)
	findByIDFunc   func(ctx context.Context, roomID, messageID string) (*model.Message, error)
	markReadFunc   func(ctx context.Context, roomID, messageID string) error
}

func (m *mockMessageRepo) ListByRoom(ctx context.Context, roomID string) ([]*model.Message, error) {
	return m.listByRoomFunc(ctx, roomID)
}

func (m *mockMessageRepo) FindByID(ctx context.Context, roomID, messageID string) (*model.Message, error) {
	return m.findByIDFunc(ctx, roomID, messageID)
}

func (m *mockMessageRepo) MarkRead(ctx context.Context, roomID, messageID string) error {
	return m.markReadFunc(ctx, roomID, messageID)
}

type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(raw string) string {
	return strings.TrimSpace(raw)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(rooms *mockRoomRepo, msgs *mockMessageRepo) *Service {
	return NewService(rooms, msgs, passthroughSanitizer{}, nil, testLogger())
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	apiErr, ok := model.AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Code != code {
		t.Errorf("expected code %s, got %s", code, apiErr.Code)
	}
}

func TestCreateRoom_RequiresPrincipal(t *testing.T) {
	svc := newTestService(&mockRoomRepo{}, &mockMessageRepo{})

	_, err := svc.CreateRoom(context.Background(), "", "general", "")
	assertCode(t, err, model.ErrCodeUnauthenticated)
}

func TestCreateRoom_RejectsBlankName(t *testing.T) {
	svc := newTestService(&mockRoomRepo{}, &mockMessageRepo{})

	_, err := svc.CreateRoom(context.Background(), "user-1", "   ", "")
	assertCode(t, err, model.ErrCodeInvalidRoomName)
}

func TestCreateRoom_CreatorBecomesOwnerAndSoleParticipant(t *testing.T) {
	var created *model.Room
	rooms := &mockRoomRepo{
		createFunc: func(ctx context.Context, room *model.Room) (*model.Room, error) {
			created = room
			return room, nil
		},
	}
	svc := newTestService(rooms, &mockMessageRepo{})

	id, err := svc.CreateRoom(context.Background(), "user-1", "general", "")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if id == "" {
		t.Error("expected a room id")
	}
	if created.OwnerID != "user-1" {
		t.Errorf("OwnerID = %q, want user-1", created.OwnerID)
	}
	if len(created.ParticipantIDs) != 1 || created.ParticipantIDs[0] != "user-1" {
		t.Errorf("ParticipantIDs = %v, want [user-1]", created.ParticipantIDs)
	}
	if created.PasswordHash != "" {
		t.Error("open room must not carry a password hash")
	}
}

func TestCreateRoom_StoresBcryptHashNotPlaintext(t *testing.T) {
	var created *model.Room
	rooms := &mockRoomRepo{
		createFunc: func(ctx context.Context, room *model.Room) (*model.Room, error) {
			created = room
			return room, nil
		},
	}
	svc := newTestService(rooms, &mockMessageRepo{})

	if _, err := svc.CreateRoom(context.Background(), "user-1", "secret room", "hunter2"); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if created.PasswordHash == "hunter2" {
		t.Fatal("password must not be stored in plaintext")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(created.PasswordHash), []byte("hunter2")); err != nil {
		t.Errorf("stored hash does not verify against the password: %v", err)
	}
}

func TestCreateRoom_WrapsStoreFailure(t *testing.T) {
	rooms := &mockRoomRepo{
		createFunc: func(ctx context.Context, room *model.Room) (*model.Room, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := newTestService(rooms, &mockMessageRepo{})

	_, err := svc.CreateRoom(context.Background(), "user-1", "general", "")
	assertCode(t, err, model.ErrCodeRemoteWriteFailed)
}

func TestDeleteRoom_OwnerOnly(t *testing.T) {
	room := &model.Room{ID: "room-1", OwnerID: "owner", ParticipantIDs: []string{"intruder", "owner"}}
	rooms := &mockRoomRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Room, error) {
			return room, nil
		},
	}
	svc := newTestService(rooms, &mockMessageRepo{})

	// 参加者配列の先頭にいてもオーナーでなければ削除できない
	err := svc.DeleteRoom(context.Background(), "intruder", "room-1")
	assertCode(t, err, model.ErrCodeNotRoomOwner)
}

func TestDeleteRoom_OwnerSucceeds(t *testing.T) {
	deleted := false
	rooms := &mockRoomRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Room, error) {
			return &model.Room{ID: id, OwnerID: "owner"}, nil
		},
		deleteFunc: func(ctx context.Context, id string) error {
			deleted = true
			return nil
		},
	}
	svc := newTestService(rooms, &mockMessageRepo{})

	if err := svc.DeleteRoom(context.Background(), "owner", "room-1"); err != nil {
		t.Fatalf("DeleteRoom failed: %v", err)
	}
	if !deleted {
		t.Error("expected Delete to be called")
	}
}

func TestDeleteRoom_NotFound(t *testing.T) {
	rooms := &mockRoomRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Room, error) {
			return nil, nil
		},
	}
	svc := newTestService(rooms, &mockMessageRepo{})

	err := svc.DeleteRoom(context.Background(), "user-1", "missing")
	assertCode(t, err, model.ErrCodeRoomNotFound)
}

func TestJoinRoom_OpenRoomNeedsNoPassword(t *testing.T) {
	var joinedUser string
	rooms := &mockRoomRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Room, error) {
			return &model.Room{ID: id, OwnerID: "owner"}, nil
		},
		addParticipantFunc: func(ctx context.Context, roomID, userID string) error {
			joinedUser = userID
			return nil
		},
	}
	svc := newTestService(rooms, &mockMessageRepo{})

	room, err := svc.JoinRoom(context.Background(), "user-1", "room-1", "")
	if err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if room == nil || room.ID != "room-1" {
		t.Error("expected the joined room to be returned")
	}
	if joinedUser != "user-1" {
		t.Errorf("AddParticipant called with %q, want user-1", joinedUser)
	}
}

func TestJoinRoom_WrongPasswordRejected(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct"), bcrypt.MinCost)
	rooms := &mockRoomRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Room, error) {
			return &model.Room{ID: id, OwnerID: "owner", PasswordHash: string(hash)}, nil
		},
	}
	svc := newTestService(rooms, &mockMessageRepo{})

	_, err := svc.JoinRoom(context.Background(), "user-1", "room-1", "wrong")
	assertCode(t, err, model.ErrCodeInvalidCredential)
}

func TestJoinRoom_CorrectPasswordAccepted(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct"), bcrypt.MinCost)
	rooms := &mockRoomRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Room, error) {
			return &model.Room{ID: id, OwnerID: "owner", PasswordHash: string(hash)}, nil
		},
		addParticipantFunc: func(ctx context.Context, roomID, userID string) error {
			return nil
		},
	}
	svc := newTestService(rooms, &mockMessageRepo{})

	if _, err := svc.JoinRoom(context.Background(), "user-1", "room-1", "correct"); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
}

func TestJoinRoom_OwnerBypassesPassword(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct"), bcrypt.MinCost)
	rooms := &mockRoomRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Room, error) {
			return &model.Room{ID: id, OwnerID: "owner", PasswordHash: string(hash)}, nil
		},
		addParticipantFunc: func(ctx context.Context, roomID, userID string) error {
			return nil
		},
	}
	svc := newTestService(rooms, &mockMessageRepo{})

	if _, err := svc.JoinRoom(context.Background(), "owner", "room-1", ""); err != nil {
		t.Fatalf("owner join failed: %v", err)
	}
}

func TestSendMessage_RequiresActiveRoom(t *testing.T) {
	svc := newTestService(&mockRoomRepo{}, &mockMessageRepo{})

	_, err := svc.SendMessage(context.Background(), "user-1", nil, "hello")
	assertCode(t, err, model.ErrCodeNoActiveRoom)
}

func TestSendMessage_RejectsWhitespaceOnly(t *testing.T) {
	svc := newTestService(&mockRoomRepo{}, &mockMessageRepo{})
	room := &model.Room{ID: "room-1"}

	_, err := svc.SendMessage(context.Background(), "user-1", room, "   \n\t  ")
	assertCode(t, err, model.ErrCodeEmptyMessage)
}

func TestSendMessage_AppendsTrimmedContent(t *testing.T) {
	var appended *model.Message
	rooms := &mockRoomRepo{
		appendMessageFunc: func(ctx context.Context, msg *model.Message) (*model.Message, error) {
			appended = msg
			return msg, nil
		},
	}
	svc := newTestService(rooms, &mockMessageRepo{})
	room := &model.Room{ID: "room-1"}

	msg, err := svc.SendMessage(context.Background(), "user-1", room, "  hello  ")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if appended.Content != "hello" {
		t.Errorf("Content = %q, want %q", appended.Content, "hello")
	}
	if appended.RoomID != "room-1" || appended.SenderID != "user-1" {
		t.Errorf("message routed incorrectly: room=%s sender=%s", appended.RoomID, appended.SenderID)
	}
	if msg.ID == "" {
		t.Error("expected a message id")
	}
}

func TestSendMessage_WrapsStoreFailure(t *testing.T) {
	rooms := &mockRoomRepo{
		appendMessageFunc: func(ctx context.Context, msg *model.Message) (*model.Message, error) {
			return nil, errors.New("deadlock detected")
		},
	}
	svc := newTestService(rooms, &mockMessageRepo{})

	_, err := svc.SendMessage(context.Background(), "user-1", &model.Room{ID: "room-1"}, "hello")
	assertCode(t, err, model.ErrCodeRemoteWriteFailed)
}

func TestMarkAsRead_RequiresActiveRoom(t *testing.T) {
	svc := newTestService(&mockRoomRepo{}, &mockMessageRepo{})

	err := svc.MarkAsRead(context.Background(), nil, "m1")
	assertCode(t, err, model.ErrCodeNoActiveRoom)
}

func TestMarkAsRead_DelegatesToRepository(t *testing.T) {
	var gotRoom, gotMessage string
	msgs := &mockMessageRepo{
		markReadFunc: func(ctx context.Context, roomID, messageID string) error {
			gotRoom, gotMessage = roomID, messageID
			return nil
		},
	}
	svc := newTestService(&mockRoomRepo{}, msgs)

	if err := svc.MarkAsRead(context.Background(), &model.Room{ID: "room-1"}, "m1"); err != nil {
		t.Fatalf("MarkAsRead failed: %v", err)
	}
	if gotRoom != "room-1" || gotMessage != "m1" {
		t.Errorf("MarkRead(%q, %q), want (room-1, m1)", gotRoom, gotMessage)
	}
}
