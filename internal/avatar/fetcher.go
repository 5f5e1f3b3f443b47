// Package avatar はIdPのプロフィール画像を取得してストアにキャッシュする。
//
// photoURLは外部入力であるため、取得はSSRF検証付きクライアントで行う。
// 取得失敗はサインインを妨げない（ログのみ残し、キャッシュは未更新のまま）。
package avatar

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/roomsync/internal/repository"
	"github.com/hitoshi/roomsync/internal/security"
)

// Fetcher はアバター画像の取得とキャッシュ更新の実装。
type Fetcher struct {
	users     repository.UserRepository
	ssrfGuard security.SSRFGuardService
	timeout   time.Duration
	maxSize   int64
	logger    *slog.Logger
}

// NewFetcher はFetcherを生成する。
func NewFetcher(
	users repository.UserRepository,
	ssrfGuard security.SSRFGuardService,
	timeout time.Duration,
	maxSize int64,
	logger *slog.Logger,
) *Fetcher {
	return &Fetcher{
		users:     users,
		ssrfGuard: ssrfGuard,
		timeout:   timeout,
		maxSize:   maxSize,
		logger:    logger,
	}
}

// Refresh はphotoURLから画像を取得し、ユーザーのアバターキャッシュを
// 更新する。取得・検証・保存のいずれが失敗してもエラーは返さない。
func (f *Fetcher) Refresh(ctx context.Context, userID, photoURL string) {
	data, mimeType := f.fetch(ctx, photoURL)
	if data == nil {
		return
	}

	if err := f.users.UpdateAvatar(ctx, userID, data, mimeType); err != nil {
		f.logger.Warn("avatar cache update failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}

	f.logger.Info("avatar cached",
		slog.String("user_id", userID),
		slog.String("mime", mimeType),
		slog.Int("size", len(data)),
	)
}

// fetch は画像を取得する。失敗時はnilデータと空MIMEを返す。
func (f *Fetcher) fetch(ctx context.Context, photoURL string) ([]byte, string) {
	if photoURL == "" {
		return nil, ""
	}

	if f.ssrfGuard != nil {
		if err := f.ssrfGuard.ValidateURL(photoURL); err != nil {
			f.logger.Warn("avatar fetch blocked",
				slog.String("url", photoURL),
				slog.String("error", err.Error()),
			)
			return nil, ""
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, photoURL, nil)
	if err != nil {
		f.logger.Warn("avatar fetch request failed",
			slog.String("url", photoURL),
			slog.String("error", err.Error()),
		)
		return nil, ""
	}
	req.Header.Set("User-Agent", "Roomsync/1.0")

	resp, err := f.httpClient().Do(req)
	if err != nil {
		f.logger.Warn("avatar fetch failed",
			slog.String("url", photoURL),
			slog.String("error", err.Error()),
		)
		return nil, ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Warn("avatar fetch unexpected status",
			slog.String("url", photoURL),
			slog.Int("status", resp.StatusCode),
		)
		return nil, ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		f.logger.Warn("avatar fetch read failed",
			slog.String("url", photoURL),
			slog.String("error", err.Error()),
		)
		return nil, ""
	}

	if int64(len(body)) > f.maxSize {
		f.logger.Warn("avatar fetch size exceeded",
			slog.String("url", photoURL),
			slog.Int("size", len(body)),
		)
		return nil, ""
	}

	mimeType := extractMimeType(resp.Header.Get("Content-Type"))
	if !isImageMime(mimeType) {
		f.logger.Warn("avatar fetch non-image content type",
			slog.String("url", photoURL),
			slog.String("content_type", resp.Header.Get("Content-Type")),
		)
		return nil, ""
	}

	return body, mimeType
}

// httpClient はHTTPクライアントを取得する。
func (f *Fetcher) httpClient() *http.Client {
	if f.ssrfGuard != nil {
		return f.ssrfGuard.NewSafeClient(f.timeout, f.maxSize)
	}
	return &http.Client{Timeout: f.timeout}
}

// extractMimeType はContent-Typeヘッダーからメディアタイプを抽出する。
func extractMimeType(contentType string) string {
	if contentType == "" {
		return ""
	}
	// セミコロンの前の部分（charset等を除去）
	parts := strings.SplitN(contentType, ";", 2)
	return strings.TrimSpace(strings.ToLower(parts[0]))
}

// isImageMime はMIMEタイプが画像かどうかを判定する。
func isImageMime(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
