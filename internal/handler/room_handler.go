package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/roomsync/internal/middleware"
	"github.com/hitoshi/roomsync/internal/model"
)

// CommandServiceInterface はルームハンドラーとストリームハンドラーが
// 必要とするコマンド層のインターフェース。
type CommandServiceInterface interface {
	CreateRoom(ctx context.Context, userID, name, password string) (string, error)
	DeleteRoom(ctx context.Context, userID, roomID string) error
	JoinRoom(ctx context.Context, userID, roomID, password string) (*model.Room, error)
	SendMessage(ctx context.Context, userID string, room *model.Room, content string) (*model.Message, error)
	MarkAsRead(ctx context.Context, room *model.Room, messageID string) error
}

// RoomListerInterface はルーム一覧の取得に必要なインターフェース。
type RoomListerInterface interface {
	ListAll(ctx context.Context) ([]*model.Room, error)
}

// RoomHandler はチャットルーム関連のHTTPハンドラー。
type RoomHandler struct {
	commands CommandServiceInterface
	rooms    RoomListerInterface
}

// NewRoomHandler はRoomHandlerを生成する。
func NewRoomHandler(commands CommandServiceInterface, rooms RoomListerInterface) *RoomHandler {
	return &RoomHandler{
		commands: commands,
		rooms:    rooms,
	}
}

// roomResponse はルームのAPI表現。パスワードハッシュは決して含めない。
type roomResponse struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Protected      bool             `json:"protected"`
	OwnerID        string           `json:"owner_id"`
	ParticipantIDs []string         `json:"participant_ids"`
	LastMessage    *messageResponse `json:"last_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// messageResponse はメッセージのAPI表現。
type messageResponse struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// toRoomResponse はモデルをAPI表現へ変換する。
func toRoomResponse(room *model.Room) roomResponse {
	resp := roomResponse{
		ID:             room.ID,
		Name:           room.Name,
		Protected:      room.HasPassword(),
		OwnerID:        room.OwnerID,
		ParticipantIDs: room.ParticipantIDs,
		CreatedAt:      room.CreatedAt,
		UpdatedAt:      room.UpdatedAt,
	}
	if room.LastMessage != nil {
		msg := toMessageResponse(room.LastMessage)
		resp.LastMessage = &msg
	}
	return resp
}

// toMessageResponse はモデルをAPI表現へ変換する。
func toMessageResponse(msg *model.Message) messageResponse {
	return messageResponse{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Read:      msg.Read,
	}
}

// ListRooms は全ルームをupdated_at降順で返す。
// GET /api/rooms
func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.ListAll(r.Context())
	if err != nil {
		slog.Error("failed to list rooms", slog.String("error", err.Error()))
		middleware.WriteAPIError(w, model.NewRemoteReadFailedError(err.Error()))
		return
	}

	resp := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		resp = append(resp, toRoomResponse(room))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rooms": resp,
	})
}

// createRoomRequest はルーム作成リクエストのボディ。
type createRoomRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// CreateRoom は新しいルームを作成する。
// POST /api/rooms
func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthenticatedError())
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	roomID, err := h.commands.CreateRoom(r.Context(), userID, req.Name, req.Password)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"id": roomID,
	})
}

// DeleteRoom はルームを削除する。オーナーのみ実行できる。
// DELETE /api/rooms/{id}
func (h *RoomHandler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthenticatedError())
		return
	}

	roomID := chi.URLParam(r, "id")
	if err := h.commands.DeleteRoom(r.Context(), userID, roomID); err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// joinRoomRequest はルーム参加リクエストのボディ。
type joinRoomRequest struct {
	Password string `json:"password"`
}

// JoinRoom はルームに参加する。
// POST /api/rooms/{id}/join
func (h *RoomHandler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthenticatedError())
		return
	}

	var req joinRoomRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	roomID := chi.URLParam(r, "id")
	room, err := h.commands.JoinRoom(r.Context(), userID, roomID, req.Password)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toRoomResponse(room))
}
