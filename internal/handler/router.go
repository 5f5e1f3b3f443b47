package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/roomsync/internal/middleware"
)

// HealthChecker はヘルスチェックに必要なインターフェース。
// *sql.DB を受け付けることができる。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig

	// Prometheusメトリクスエンドポイント。nilの場合は公開しない。
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ルーム
	CommandService CommandServiceInterface
	RoomLister     RoomListerInterface

	// アバター
	AvatarReader AvatarReader

	// ストリーム
	StreamTokens  *StreamTokenIssuer
	StreamHandler *StreamHandler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (Session → CSRF → RateLimit)
//
// 認証ルート（/auth/*）とWebSocketストリーム（/stream）は
// セッションミドルウェアチェーンの外に配置する。ストリームは
// 短命トークンで独自に認証する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// 全ルートに効くミドルウェア
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	roomHandler := NewRoomHandler(deps.CommandService, deps.RoomLister)
	avatarHandler := NewAvatarHandler(deps.AvatarReader)

	// --- 認証不要のルート ---

	// ヘルスチェック（Dockerヘルスチェック・LB向け）
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if deps.HealthChecker != nil {
			if err := deps.HealthChecker.PingContext(req.Context()); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheusメトリクス
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// 認証ルート（OAuthフロー）
	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// CSRFトークン取得
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// WebSocketストリーム（短命トークン認証）
	r.Get("/stream", deps.StreamHandler.Serve)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ルーム管理
		r.Route("/api/rooms", func(r chi.Router) {
			r.Get("/", roomHandler.ListRooms)
			r.Post("/", roomHandler.CreateRoom)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", roomHandler.DeleteRoom)
				r.Post("/join", roomHandler.JoinRoom)
			})
		})

		// アバター配信
		r.Get("/api/users/{id}/avatar", avatarHandler.GetAvatar)

		// ストリームトークン発行
		r.Post("/api/stream/token", deps.StreamTokens.IssueToken)
	})

	return r
}
