package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/roomsync/internal/middleware"
	"github.com/hitoshi/roomsync/internal/model"
)

// StreamTokenConfig はWebSocketストリーム用トークンの設定。
type StreamTokenConfig struct {
	Secret []byte
	TTL    time.Duration
}

// StreamTokenIssuer は短命のストリーム接続トークンを発行・検証する。
//
// WebSocketハンドシェイクはカスタムヘッダーを伴えないブラウザ実装が
// あるため、セッションCookieとは別にクエリパラメータで渡せる短命JWTを
// 使う。トークンはHTTP API（セッション認証済み）で発行され、TTL内の
// 1回のハンドシェイクでのみ意味を持つ。
type StreamTokenIssuer struct {
	config StreamTokenConfig
}

// NewStreamTokenIssuer はStreamTokenIssuerを生成する。
func NewStreamTokenIssuer(config StreamTokenConfig) *StreamTokenIssuer {
	return &StreamTokenIssuer{config: config}
}

// streamClaims はストリームトークンのJWTクレーム。
type streamClaims struct {
	jwt.RegisteredClaims
}

// Issue は指定ユーザーのストリームトークンを発行する。
func (i *StreamTokenIssuer) Issue(userID string) (string, error) {
	now := time.Now()
	claims := streamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.TTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.config.Secret)
}

// Verify はトークンを検証し、ユーザーIDを返す。
// 期限切れ・改ざん・署名方式の不一致はすべてエラーとなる。
func (i *StreamTokenIssuer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &streamClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return i.config.Secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", fmt.Errorf("invalid stream token: %w", err)
	}

	claims, ok := token.Claims.(*streamClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("stream token has no subject")
	}

	return claims.Subject, nil
}

// IssueToken はストリームトークン発行エンドポイントのハンドラー。
// POST /api/stream/token
// セッションミドルウェアの背後に配置し、認証済みユーザーにのみ発行する。
func (i *StreamTokenIssuer) IssueToken(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthenticatedError())
		return
	}

	token, err := i.Issue(userID)
	if err != nil {
		slog.Error("failed to issue stream token",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      token,
		"expires_in": int(i.config.TTL.Seconds()),
	})
}
