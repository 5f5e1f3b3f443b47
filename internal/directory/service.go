// Package directory はチャットルーム一覧のライブビューを提供する。
//
// ストアの変更通知を受けるたびに全ルームをupdated_at降順で再取得し、
// 保持する一覧を丸ごと置き換える（差分パッチは行わない）。購読者は
// 公開される一覧を常に「その時点の完全な真実」として扱える。
package directory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/roomsync/internal/model"
	"github.com/hitoshi/roomsync/internal/store"
)

// RoomLister はルーム一覧の取得に必要なインターフェース。
// repository.RoomRepositoryの部分集合として定義する。
type RoomLister interface {
	ListAll(ctx context.Context) ([]*model.Room, error)
}

// Directory はルーム一覧のライブビュー。1クライアント（1接続）につき
// 1つ生成され、そのクライアントのプリンシパルに紐づく。
// 購読ハンドルはDirectoryが排他的に所有し、Stopで確定的に解放する。
type Directory struct {
	rooms   RoomLister
	watcher store.Watcher
	logger  *slog.Logger

	mu       sync.RWMutex
	snapshot []*model.Room
	running  bool

	sub  *store.Subscription
	done chan struct{}

	onUpdate func([]*model.Room)
	onError  func(error)
}

// NewDirectory はDirectoryを生成する。
func NewDirectory(rooms RoomLister, watcher store.Watcher, logger *slog.Logger) *Directory {
	return &Directory{
		rooms:   rooms,
		watcher: watcher,
		logger:  logger,
	}
}

// OnUpdate は一覧が置き換わるたびに呼ばれるコールバックを登録する。
// Startより前に登録すること。
func (d *Directory) OnUpdate(fn func([]*model.Room)) {
	d.onUpdate = fn
}

// OnError は読み取りエラー発生時に呼ばれるコールバックを登録する。
// エラーは購読を停止させない（トランスポート回復後の通知で復帰する）。
func (d *Directory) OnError(fn func(error)) {
	d.onError = fn
}

// Start はストア購読を開始し、初回スナップショットを取得する。
// プリンシパル不在のまま呼ばれた場合はUnauthenticatedを返し、
// ストアアクセスは一切行わない。既に開始済みの場合は何もしない。
func (d *Directory) Start(ctx context.Context, principalID string) error {
	if principalID == "" {
		return model.NewUnauthenticatedError()
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.sub = d.watcher.Subscribe(store.ChannelRoomDirectory)
	d.done = make(chan struct{})
	sub := d.sub
	done := d.done
	d.mu.Unlock()

	// 初回スナップショット。失敗しても購読は維持する。
	if err := d.refresh(ctx); err != nil {
		d.reportError(err)
	}

	go d.loop(ctx, sub, done)

	return nil
}

// Stop は購読を同期的に解除し、一覧をクリアする。冪等。
// 以降のスナップショットが配送されることはない。
func (d *Directory) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	sub := d.sub
	d.sub = nil
	close(d.done)
	d.snapshot = nil
	d.mu.Unlock()

	sub.Cancel()
}

// Rooms は現在の一覧のコピーを返す（updated_at降順）。
func (d *Directory) Rooms() []*model.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rooms := make([]*model.Room, len(d.snapshot))
	copy(rooms, d.snapshot)
	return rooms
}

// loop は変更通知を消費し、通知のたびに一覧を再取得する。
func (d *Directory) loop(ctx context.Context, sub *store.Subscription, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := d.refresh(ctx); err != nil {
				d.reportError(err)
			}
		}
	}
}

// refresh は全ルームを再取得し、一覧を丸ごと置き換える。
// Stop後に遅れて届いた通知による適用は行わない。
func (d *Directory) refresh(ctx context.Context) error {
	rooms, err := d.rooms.ListAll(ctx)
	if err != nil {
		return model.NewRemoteReadFailedError(err.Error())
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.snapshot = rooms
	fn := d.onUpdate
	d.mu.Unlock()

	if fn != nil {
		fn(rooms)
	}
	return nil
}

// reportError は読み取りエラーを1回だけ観測者へ通知する。
func (d *Directory) reportError(err error) {
	d.logger.Error("room directory refresh failed",
		slog.String("error", err.Error()),
	)
	if d.onError != nil {
		d.onError(err)
	}
}
