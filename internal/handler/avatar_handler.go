package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// AvatarReader はキャッシュ済みアバターの取得に必要なインターフェース。
// repository.UserRepositoryの部分集合として定義する。
type AvatarReader interface {
	GetAvatar(ctx context.Context, userID string) ([]byte, string, error)
}

// AvatarHandler はアバター画像配信のHTTPハンドラー。
type AvatarHandler struct {
	avatars AvatarReader
}

// NewAvatarHandler はAvatarHandlerを生成する。
func NewAvatarHandler(avatars AvatarReader) *AvatarHandler {
	return &AvatarHandler{avatars: avatars}
}

// GetAvatar はキャッシュ済みアバター画像を返す。
// GET /api/users/{id}/avatar
// 未キャッシュの場合は404を返す（クライアントはデフォルト画像へフォールバックする）。
func (h *AvatarHandler) GetAvatar(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	data, mimeType, err := h.avatars.GetAvatar(r.Context(), userID)
	if err != nil {
		slog.Error("failed to read avatar cache",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if data == nil {
		http.Error(w, "avatar not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(data)
}
