// Package session は「現在のルーム」とそのメッセージログのライブビューを
// 提供する。
//
// Sessionは同時に最大1つのメッセージ購読を排他的に所有する。ルームの
// 切り替え時は古い購読を先に解除してから新しい購読を確立し、さらに
// 世代カウンタで適用をガードするため、ルームAのメッセージがルームBの
// 選択後に配送されることはない。
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/roomsync/internal/model"
	"github.com/hitoshi/roomsync/internal/store"
)

// MessageLister はメッセージログの取得に必要なインターフェース。
// repository.MessageRepositoryの部分集合として定義する。
type MessageLister interface {
	ListByRoom(ctx context.Context, roomID string) ([]*model.Message, error)
}

// Session は1クライアントの「現在のルーム」状態。
type Session struct {
	messages MessageLister
	watcher  store.Watcher
	logger   *slog.Logger

	mu      sync.RWMutex
	current *model.Room
	log     []*model.Message
	sub     *store.Subscription
	// gen はルーム切り替えごとに増える世代カウンタ。取得済みスナップ
	// ショットは取得開始時の世代と一致する場合のみ適用される。
	gen uint64

	onUpdate func([]*model.Message)
	onError  func(error)
}

// NewSession はSessionを生成する。
func NewSession(messages MessageLister, watcher store.Watcher, logger *slog.Logger) *Session {
	return &Session{
		messages: messages,
		watcher:  watcher,
		logger:   logger,
	}
}

// OnUpdate はメッセージログが置き換わるたびに呼ばれるコールバックを
// 登録する。SetRoomより前に登録すること。
func (s *Session) OnUpdate(fn func([]*model.Message)) {
	s.onUpdate = fn
}

// OnError は読み取りエラー発生時に呼ばれるコールバックを登録する。
func (s *Session) OnError(fn func(error)) {
	s.onError = fn
}

// Current は現在のルームを返す。未選択の場合はnil。
func (s *Session) Current() *model.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Messages は現在のメッセージログのコピーを返す（timestamp昇順）。
func (s *Session) Messages() []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := make([]*model.Message, len(s.log))
	copy(log, s.log)
	return log
}

// SetRoom は現在のルームを切り替える。nilを渡すとメッセージログを
// 即座にクリアし、アクティブな購読を解除する。
// 具体的なルームを渡すと、古い購読の解除と同時に新しい購読を確立し、
// 初回スナップショットを取得する。
func (s *Session) SetRoom(ctx context.Context, room *model.Room) error {
	s.mu.Lock()
	// 古い購読を先に解除する。解除は同期的で、以降ルームAのイベントが
	// 配送されることはない。
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.gen++
	gen := s.gen

	if room == nil {
		s.current = nil
		s.log = nil
		s.mu.Unlock()
		return nil
	}

	s.current = room
	s.log = nil
	sub := s.watcher.Subscribe(store.ChannelRoomMessages)
	s.sub = sub
	s.mu.Unlock()

	// 初回スナップショット。失敗しても購読は維持する。
	if err := s.refresh(ctx, room.ID, gen); err != nil {
		s.reportError(err)
	}

	go s.loop(ctx, sub, room.ID, gen)

	return nil
}

// Close はセッションを破棄する。アクティブな購読は同期的に解除される。
// 冪等。
func (s *Session) Close() {
	s.mu.Lock()
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.gen++
	s.current = nil
	s.log = nil
	s.mu.Unlock()
}

// UnreadFrom は他者が送った未読メッセージを返す。
// 周辺レイヤーはこれを観測してメッセージごとにMarkAsReadコマンドを発行
// する（既読化は消費側駆動であり、Session自身はループしない）。
func (s *Session) UnreadFrom(viewerID string) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unread := []*model.Message{}
	for _, msg := range s.log {
		if !msg.Read && msg.SenderID != viewerID {
			unread = append(unread, msg)
		}
	}
	return unread
}

// loop はメッセージ変更通知を消費する。通知のペイロードはルームIDで、
// 監視対象ルーム以外の通知は無視する（空ペイロードは再同期イベント）。
func (s *Session) loop(ctx context.Context, sub *store.Subscription, roomID string, gen uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Payload != "" && ev.Payload != roomID {
				continue
			}
			if err := s.refresh(ctx, roomID, gen); err != nil {
				s.reportError(err)
			}
		}
	}
}

// refresh はメッセージログを再取得し、丸ごと置き換える。
// 世代が進んでいた場合（ルームが切り替わった後）は適用しない。
func (s *Session) refresh(ctx context.Context, roomID string, gen uint64) error {
	messages, err := s.messages.ListByRoom(ctx, roomID)
	if err != nil {
		return model.NewRemoteReadFailedError(err.Error())
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.log = messages
	fn := s.onUpdate
	s.mu.Unlock()

	if fn != nil {
		fn(messages)
	}
	return nil
}

// reportError は読み取りエラーを観測者へ通知する。購読は維持される。
func (s *Session) reportError(err error) {
	s.logger.Error("room session refresh failed",
		slog.String("error", err.Error()),
	)
	if s.onError != nil {
		s.onError(err)
	}
}
