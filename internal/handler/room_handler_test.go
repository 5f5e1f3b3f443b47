package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/roomsync/internal/middleware"
	"github.com/hitoshi/roomsync/internal/model"
)

type mockCommandService struct {
	createRoomFn  func(ctx context.Context, userID, name, password string) (string, error)
	deleteRoomFn  func(ctx context.Context, userID, roomID string) error
	joinRoomFn    func(ctx context.Context, userID, roomID, password string) (*model.Room, error)
	sendMessageFn func(ctx context.Context, userID string, room *model.Room, content string) (*model.Message, error)
	markAsReadFn  func(ctx context.Context, room *model.Room, messageID string) error
}

func (m *mockCommandService) CreateRoom(ctx context.Context, userID, name, password string) (string, error) {
	if m.createRoomFn != nil {
		return m.createRoomFn(ctx, userID, name, password)
	}
	return "room-1", nil
}

func (m *mockCommandService) DeleteRoom(ctx context.Context, userID, roomID string) error {
	if m.deleteRoomFn != nil {
		return m.deleteRoomFn(ctx, userID, roomID)
	}
	return nil
}

func (m *mockCommandService) JoinRoom(ctx context.Context, userID, roomID, password string) (*model.Room, error) {
	if m.joinRoomFn != nil {
		return m.joinRoomFn(ctx, userID, roomID, password)
	}
	return &model.Room{ID: roomID}, nil
}

func (m *mockCommandService) SendMessage(ctx context.Context, userID string, room *model.Room, content string) (*model.Message, error) {
	if m.sendMessageFn != nil {
		return m.sendMessageFn(ctx, userID, room, content)
	}
	return &model.Message{}, nil
}

func (m *mockCommandService) MarkAsRead(ctx context.Context, room *model.Room, messageID string) error {
	if m.markAsReadFn != nil {
		return m.markAsReadFn(ctx, room, messageID)
	}
	return nil
}

var _ CommandServiceInterface = (*mockCommandService)(nil)

type mockRoomLister struct {
	listAllFn func(ctx context.Context) ([]*model.Room, error)
}

func (m *mockRoomLister) ListAll(ctx context.Context) ([]*model.Room, error) {
	if m.listAllFn != nil {
		return m.listAllFn(ctx)
	}
	return nil, nil
}

var _ RoomListerInterface = (*mockRoomLister)(nil)

// newRoomTestRouter はchiのURLパラメータ解決を通すための最小ルーター。
func newRoomTestRouter(h *RoomHandler) chi.Router {
	r := chi.NewRouter()
	r.Get("/api/rooms", h.ListRooms)
	r.Post("/api/rooms", h.CreateRoom)
	r.Delete("/api/rooms/{id}", h.DeleteRoom)
	r.Post("/api/rooms/{id}/join", h.JoinRoom)
	return r
}

func authedRequest(method, target, body, userID string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := middleware.ContextWithUserID(req.Context(), userID)
	return req.WithContext(ctx)
}

func TestListRooms_ReturnsRoomsWithoutPasswordHash(t *testing.T) {
	now := time.Now()
	lister := &mockRoomLister{
		listAllFn: func(ctx context.Context) ([]*model.Room, error) {
			return []*model.Room{
				{
					ID:             "room-2",
					Name:           "newer",
					PasswordHash:   "$2a$10$secret",
					OwnerID:        "user-1",
					ParticipantIDs: []string{"user-1"},
					UpdatedAt:      now,
				},
				{
					ID:        "room-1",
					Name:      "older",
					OwnerID:   "user-2",
					UpdatedAt: now.Add(-time.Hour),
				},
			}, nil
		},
	}
	h := NewRoomHandler(&mockCommandService{}, lister)
	router := newRoomTestRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodGet, "/api/rooms", "", "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Rooms []roomResponse `json:"rooms"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(resp.Rooms) != 2 {
		t.Fatalf("rooms = %d, want 2", len(resp.Rooms))
	}
	// ソート順はストア側で保証される。順序がそのまま保たれることを確認
	if resp.Rooms[0].ID != "room-2" || resp.Rooms[1].ID != "room-1" {
		t.Errorf("room order = [%s, %s], want [room-2, room-1]", resp.Rooms[0].ID, resp.Rooms[1].ID)
	}
	if !resp.Rooms[0].Protected {
		t.Error("password-protected room must report protected=true")
	}
	if strings.Contains(w.Body.String(), "$2a$") {
		t.Error("response must not contain password hash")
	}
}

func TestListRooms_StoreError_Returns502(t *testing.T) {
	lister := &mockRoomLister{
		listAllFn: func(ctx context.Context) ([]*model.Room, error) {
			return nil, model.NewRemoteReadFailedError("connection refused")
		},
	}
	h := NewRoomHandler(&mockCommandService{}, lister)
	router := newRoomTestRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodGet, "/api/rooms", "", "user-1"))

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestCreateRoom_Returns201WithID(t *testing.T) {
	var gotName, gotPassword string
	commands := &mockCommandService{
		createRoomFn: func(ctx context.Context, userID, name, password string) (string, error) {
			gotName = name
			gotPassword = password
			return "room-new", nil
		},
	}
	h := NewRoomHandler(commands, &mockRoomLister{})
	router := newRoomTestRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/rooms",
		`{"name":"general","password":"secret"}`, "user-1"))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if gotName != "general" || gotPassword != "secret" {
		t.Errorf("command received name=%q password=%q", gotName, gotPassword)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["id"] != "room-new" {
		t.Errorf("id = %q, want room-new", resp["id"])
	}
}

func TestCreateRoom_NoPrincipal_Returns401(t *testing.T) {
	h := NewRoomHandler(&mockCommandService{}, &mockRoomLister{})
	router := newRoomTestRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(`{"name":"x"}`))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestCreateRoom_BlankName_Returns400(t *testing.T) {
	commands := &mockCommandService{
		createRoomFn: func(ctx context.Context, userID, name, password string) (string, error) {
			return "", model.NewInvalidRoomNameError()
		},
	}
	h := NewRoomHandler(commands, &mockRoomLister{})
	router := newRoomTestRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/rooms", `{"name":"   "}`, "user-1"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestDeleteRoom_Returns204(t *testing.T) {
	var gotUserID, gotRoomID string
	commands := &mockCommandService{
		deleteRoomFn: func(ctx context.Context, userID, roomID string) error {
			gotUserID = userID
			gotRoomID = roomID
			return nil
		},
	}
	h := NewRoomHandler(commands, &mockRoomLister{})
	router := newRoomTestRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodDelete, "/api/rooms/room-1", "", "user-1"))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if gotUserID != "user-1" || gotRoomID != "room-1" {
		t.Errorf("command received userID=%q roomID=%q", gotUserID, gotRoomID)
	}
}

func TestDeleteRoom_NotOwner_Returns403(t *testing.T) {
	commands := &mockCommandService{
		deleteRoomFn: func(ctx context.Context, userID, roomID string) error {
			return model.NewNotRoomOwnerError()
		},
	}
	h := NewRoomHandler(commands, &mockRoomLister{})
	router := newRoomTestRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodDelete, "/api/rooms/room-1", "", "intruder"))

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestDeleteRoom_NotFound_Returns404(t *testing.T) {
	commands := &mockCommandService{
		deleteRoomFn: func(ctx context.Context, userID, roomID string) error {
			return model.NewRoomNotFoundError(roomID)
		},
	}
	h := NewRoomHandler(commands, &mockRoomLister{})
	router := newRoomTestRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodDelete, "/api/rooms/missing", "", "user-1"))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestJoinRoom_ReturnsRoom(t *testing.T) {
	var gotPassword string
	commands := &mockCommandService{
		joinRoomFn: func(ctx context.Context, userID, roomID, password string) (*model.Room, error) {
			gotPassword = password
			return &model.Room{
				ID:             roomID,
				Name:           "general",
				OwnerID:        "user-2",
				ParticipantIDs: []string{"user-2", userID},
			}, nil
		},
	}
	h := NewRoomHandler(commands, &mockRoomLister{})
	router := newRoomTestRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/rooms/room-1/join",
		`{"password":"secret"}`, "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotPassword != "secret" {
		t.Errorf("password = %q, want secret", gotPassword)
	}

	var resp roomResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != "room-1" {
		t.Errorf("id = %q, want room-1", resp.ID)
	}
	if len(resp.ParticipantIDs) != 2 {
		t.Errorf("participants = %d, want 2", len(resp.ParticipantIDs))
	}
}

// ボディなしのjoinはオープンルームへの参加として有効。
func TestJoinRoom_NoBody_OpenRoom(t *testing.T) {
	commands := &mockCommandService{
		joinRoomFn: func(ctx context.Context, userID, roomID, password string) (*model.Room, error) {
			if password != "" {
				t.Errorf("password = %q, want empty", password)
			}
			return &model.Room{ID: roomID}, nil
		},
	}
	h := NewRoomHandler(commands, &mockRoomLister{})
	router := newRoomTestRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/rooms/room-1/join", "", "user-1"))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestJoinRoom_WrongPassword_Returns403(t *testing.T) {
	commands := &mockCommandService{
		joinRoomFn: func(ctx context.Context, userID, roomID, password string) (*model.Room, error) {
			return nil, model.NewInvalidCredentialError()
		},
	}
	h := NewRoomHandler(commands, &mockRoomLister{})
	router := newRoomTestRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/api/rooms/room-1/join",
		`{"password":"wrong"}`, "user-1"))

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}
