package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/roomsync/internal/model"
	"github.com/hitoshi/roomsync/internal/store"
)

type streamRoomLister struct {
	mu    sync.Mutex
	rooms []*model.Room
}

func (l *streamRoomLister) set(rooms []*model.Room) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rooms = rooms
}

func (l *streamRoomLister) ListAll(ctx context.Context) ([]*model.Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rooms, nil
}

type streamMessageLister struct {
	mu   sync.Mutex
	logs map[string][]*model.Message
}

func (l *streamMessageLister) set(roomID string, messages []*model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logs == nil {
		l.logs = make(map[string][]*model.Message)
	}
	l.logs[roomID] = messages
}

func (l *streamMessageLister) ListByRoom(ctx context.Context, roomID string) ([]*model.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logs[roomID], nil
}

type streamFixture struct {
	server   *httptest.Server
	watcher  *store.MemoryWatcher
	rooms    *streamRoomLister
	messages *streamMessageLister
	commands *mockCommandService
	issuer   *StreamTokenIssuer
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &streamFixture{
		watcher:  store.NewMemoryWatcher(logger),
		rooms:    &streamRoomLister{},
		messages: &streamMessageLister{},
		commands: &mockCommandService{},
		issuer:   newTestIssuer(time.Minute),
	}

	h := NewStreamHandler(StreamDeps{
		Commands:    f.commands,
		Rooms:       f.rooms,
		Messages:    f.messages,
		Watcher:     f.watcher,
		Tokens:      f.issuer,
		Recorder:    nil,
		Logger:      logger,
		CheckOrigin: func(r *http.Request) bool { return true },
	})

	f.server = httptest.NewServer(http.HandlerFunc(h.Serve))
	t.Cleanup(f.server.Close)
	return f
}

// dial はストリームトークンを発行してWebSocket接続を確立する。
func (f *streamFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	token, err := f.issuer.Issue(userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame は指定タイプのフレームが届くまで読み進める。
func readFrame(t *testing.T, conn *websocket.Conn, frameType string) outboundFrame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame outboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("failed to read %q frame: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
}

func TestServe_InvalidToken_Returns401WithoutUpgrade(t *testing.T) {
	f := newStreamFixture(t)

	resp, err := http.Get(f.server.URL + "?token=not-a-token")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestStream_DeliversInitialRoomsSnapshot(t *testing.T) {
	f := newStreamFixture(t)
	f.rooms.set([]*model.Room{
		{ID: "room-2", Name: "newer", OwnerID: "user-1"},
		{ID: "room-1", Name: "older", OwnerID: "user-2"},
	})

	conn := f.dial(t, "user-1")

	frame := readFrame(t, conn, "rooms")
	if len(frame.Rooms) != 2 {
		t.Fatalf("rooms = %d, want 2", len(frame.Rooms))
	}
	if frame.Rooms[0].ID != "room-2" || frame.Rooms[1].ID != "room-1" {
		t.Errorf("room order = [%s, %s], want [room-2, room-1]",
			frame.Rooms[0].ID, frame.Rooms[1].ID)
	}
}

func TestStream_DirectoryNotification_PushesReplacement(t *testing.T) {
	f := newStreamFixture(t)
	f.rooms.set([]*model.Room{{ID: "room-1", Name: "only"}})

	conn := f.dial(t, "user-1")
	readFrame(t, conn, "rooms")

	// 新しいルームが追加された通知 → 全置換スナップショットが届く
	f.rooms.set([]*model.Room{
		{ID: "room-new", Name: "fresh"},
		{ID: "room-1", Name: "only"},
	})
	f.watcher.Publish(store.Event{Channel: store.ChannelRoomDirectory, Payload: "room-new"})

	frame := readFrame(t, conn, "rooms")
	for len(frame.Rooms) != 2 {
		frame = readFrame(t, conn, "rooms")
	}
	if frame.Rooms[0].ID != "room-new" {
		t.Errorf("first room = %s, want room-new", frame.Rooms[0].ID)
	}
}

func TestStream_SelectRoom_DeliversMessageLog(t *testing.T) {
	f := newStreamFixture(t)
	f.commands.joinRoomFn = func(ctx context.Context, userID, roomID, password string) (*model.Room, error) {
		return &model.Room{ID: roomID, Name: "general", ParticipantIDs: []string{userID}}, nil
	}
	f.messages.set("room-1", []*model.Message{
		{ID: "m1", RoomID: "room-1", SenderID: "user-1", Content: "hello", Read: true},
		{ID: "m2", RoomID: "room-1", SenderID: "user-1", Content: "world", Read: true},
	})

	conn := f.dial(t, "user-1")
	readFrame(t, conn, "rooms")

	if err := conn.WriteJSON(inboundFrame{Type: "select_room", RoomID: "room-1"}); err != nil {
		t.Fatalf("failed to send select_room: %v", err)
	}

	frame := readFrame(t, conn, "messages")
	if frame.RoomID != "room-1" {
		t.Errorf("room_id = %s, want room-1", frame.RoomID)
	}
	if len(frame.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(frame.Messages))
	}
	if frame.Messages[0].ID != "m1" || frame.Messages[1].ID != "m2" {
		t.Errorf("message order = [%s, %s], want [m1, m2]",
			frame.Messages[0].ID, frame.Messages[1].ID)
	}
}

func TestStream_SelectRoom_JoinFailure_SendsErrorFrame(t *testing.T) {
	f := newStreamFixture(t)
	f.commands.joinRoomFn = func(ctx context.Context, userID, roomID, password string) (*model.Room, error) {
		return nil, model.NewInvalidCredentialError()
	}

	conn := f.dial(t, "user-1")
	readFrame(t, conn, "rooms")

	if err := conn.WriteJSON(inboundFrame{Type: "select_room", RoomID: "room-1", Password: "wrong"}); err != nil {
		t.Fatalf("failed to send select_room: %v", err)
	}

	frame := readFrame(t, conn, "error")
	if frame.Error == nil || frame.Error.Code != model.ErrCodeInvalidCredential {
		t.Errorf("error frame = %+v, want code %s", frame.Error, model.ErrCodeInvalidCredential)
	}
}

func TestStream_SendMessage_WithoutRoom_SendsErrorFrame(t *testing.T) {
	f := newStreamFixture(t)
	f.commands.sendMessageFn = func(ctx context.Context, userID string, room *model.Room, content string) (*model.Message, error) {
		if room == nil {
			return nil, model.NewNoActiveRoomError()
		}
		return &model.Message{}, nil
	}

	conn := f.dial(t, "user-1")
	readFrame(t, conn, "rooms")

	if err := conn.WriteJSON(inboundFrame{Type: "send_message", Content: "hello"}); err != nil {
		t.Fatalf("failed to send send_message: %v", err)
	}

	frame := readFrame(t, conn, "error")
	if frame.Error == nil || frame.Error.Code != model.ErrCodeNoActiveRoom {
		t.Errorf("error frame = %+v, want code %s", frame.Error, model.ErrCodeNoActiveRoom)
	}
}

func TestStream_SendMessage_RoutesThroughCommandLayer(t *testing.T) {
	f := newStreamFixture(t)

	var mu sync.Mutex
	var gotRoomID, gotContent string
	f.commands.joinRoomFn = func(ctx context.Context, userID, roomID, password string) (*model.Room, error) {
		return &model.Room{ID: roomID}, nil
	}
	f.commands.sendMessageFn = func(ctx context.Context, userID string, room *model.Room, content string) (*model.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		gotRoomID = room.ID
		gotContent = content
		return &model.Message{ID: "m-new", RoomID: room.ID, SenderID: userID, Content: content}, nil
	}

	conn := f.dial(t, "user-1")
	readFrame(t, conn, "rooms")

	if err := conn.WriteJSON(inboundFrame{Type: "select_room", RoomID: "room-1"}); err != nil {
		t.Fatalf("failed to send select_room: %v", err)
	}
	readFrame(t, conn, "messages")

	if err := conn.WriteJSON(inboundFrame{Type: "send_message", Content: "hello"}); err != nil {
		t.Fatalf("failed to send send_message: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		roomID, content := gotRoomID, gotContent
		mu.Unlock()
		if roomID == "room-1" && content == "hello" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("command layer received roomID=%q content=%q", roomID, content)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// 現在のルームが削除されてディレクトリから消えた場合、セッションは
// 自動的に解除され、以降の送信はNO_ACTIVE_ROOMで失敗する。
func TestStream_CurrentRoomDeleted_ClearsSession(t *testing.T) {
	f := newStreamFixture(t)
	f.commands.joinRoomFn = func(ctx context.Context, userID, roomID, password string) (*model.Room, error) {
		return &model.Room{ID: roomID, Name: "doomed"}, nil
	}

	var mu sync.Mutex
	var sentRoom *model.Room
	f.commands.sendMessageFn = func(ctx context.Context, userID string, room *model.Room, content string) (*model.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		sentRoom = room
		if room == nil {
			return nil, model.NewNoActiveRoomError()
		}
		return &model.Message{ID: "m-x", RoomID: room.ID}, nil
	}

	f.rooms.set([]*model.Room{{ID: "room-1", Name: "doomed"}})
	f.messages.set("room-1", []*model.Message{
		{ID: "m1", RoomID: "room-1", SenderID: "user-1", Content: "hello", Read: true},
	})

	conn := f.dial(t, "user-1")
	readFrame(t, conn, "rooms")

	if err := conn.WriteJSON(inboundFrame{Type: "select_room", RoomID: "room-1"}); err != nil {
		t.Fatalf("failed to send select_room: %v", err)
	}
	readFrame(t, conn, "messages")

	// ルームが削除された通知 → 一覧から消え、セッションも解除される
	f.rooms.set([]*model.Room{})
	f.watcher.Publish(store.Event{Channel: store.ChannelRoomDirectory, Payload: "room-1"})

	// クリアを示す空のメッセージフレームが届く
	frame := readFrame(t, conn, "messages")
	for len(frame.Messages) != 0 {
		frame = readFrame(t, conn, "messages")
	}
	if frame.RoomID != "room-1" {
		t.Errorf("clear frame room_id = %s, want room-1", frame.RoomID)
	}

	if err := conn.WriteJSON(inboundFrame{Type: "send_message", Content: "into the void"}); err != nil {
		t.Fatalf("failed to send send_message: %v", err)
	}

	errFrame := readFrame(t, conn, "error")
	if errFrame.Error == nil || errFrame.Error.Code != model.ErrCodeNoActiveRoom {
		t.Errorf("error frame = %+v, want code %s", errFrame.Error, model.ErrCodeNoActiveRoom)
	}

	mu.Lock()
	defer mu.Unlock()
	if sentRoom != nil {
		t.Errorf("send_message carried room %q, want cleared session", sentRoom.ID)
	}
}

// 他者の未読メッセージは表示と同時に自動で既読化される。
func TestStream_AutoMarksForeignUnreadMessages(t *testing.T) {
	f := newStreamFixture(t)
	f.commands.joinRoomFn = func(ctx context.Context, userID, roomID, password string) (*model.Room, error) {
		return &model.Room{ID: roomID}, nil
	}

	var mu sync.Mutex
	marked := make(map[string]bool)
	f.commands.markAsReadFn = func(ctx context.Context, room *model.Room, messageID string) error {
		mu.Lock()
		defer mu.Unlock()
		marked[messageID] = true
		return nil
	}

	f.messages.set("room-1", []*model.Message{
		{ID: "m1", RoomID: "room-1", SenderID: "user-2", Content: "unread", Read: false},
		{ID: "m2", RoomID: "room-1", SenderID: "user-1", Content: "own", Read: false},
		{ID: "m3", RoomID: "room-1", SenderID: "user-2", Content: "seen", Read: true},
	})

	conn := f.dial(t, "user-1")
	readFrame(t, conn, "rooms")

	if err := conn.WriteJSON(inboundFrame{Type: "select_room", RoomID: "room-1"}); err != nil {
		t.Fatalf("failed to send select_room: %v", err)
	}
	readFrame(t, conn, "messages")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		m1 := marked["m1"]
		m2 := marked["m2"]
		m3 := marked["m3"]
		mu.Unlock()
		if m1 {
			if m2 || m3 {
				t.Error("only foreign unread messages must be marked")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("m1 was never marked as read")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
