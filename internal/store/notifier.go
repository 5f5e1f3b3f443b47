// Package store はリモートストアの変更通知（購読プリミティブ）を提供する。
//
// PostgreSQLのLISTEN/NOTIFYを購読し、チャネル単位で購読者へファンアウト
// する。通知は「何かが変わった」ことだけを運び、購読者は通知を受けるたびに
// 完全な結果セットを再取得する（差分パッチではなく全置換）。このため
// 通知の取りこぼしは整合性を壊さず、次の通知または再接続時の再同期で
// 回復する。
package store

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// ストアが発行する通知チャネル名。マイグレーションのトリガー定義と対応する。
const (
	// ChannelRoomDirectory はルーム一覧の変更通知。ペイロードはルームID。
	ChannelRoomDirectory = "room_directory"
	// ChannelRoomMessages はメッセージの変更通知。ペイロードは親ルームID。
	ChannelRoomMessages = "room_messages"
)

const (
	minReconnectInterval = time.Second
	maxReconnectInterval = 30 * time.Second

	// subscriptionBuffer は購読1件あたりの通知バッファ。あふれた通知は
	// 破棄してよい（購読者はどのみち完全スナップショットを再取得する）。
	subscriptionBuffer = 16
)

// Event はストア変更通知1件を表す。
type Event struct {
	Channel string
	// Payload は変更対象のID。再接続後の再同期イベントでは空になる。
	Payload string
}

// Subscription はキャンセル可能な購読ハンドル。
// Cancelは同期的かつ冪等で、2回呼んでも無害。
type Subscription struct {
	ch     chan Event
	cancel func(s *Subscription)
	once   sync.Once
}

// Events は通知の受信チャネルを返す。Cancelでクローズされる。
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel は購読を解除する。解除後にイベントが配送されることはない。
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel(s)
	})
}

// Watcher はチャネル購読のインターフェース。
// directory/sessionはこの抽象にのみ依存し、pqの存在を知らない。
type Watcher interface {
	Subscribe(channel string) *Subscription
}

// PgNotifier はpq.Listenerを1本持ち、受信した通知をチャネル名ごとの
// 購読者へファンアウトする。
type PgNotifier struct {
	listener *pq.Listener
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}

	done chan struct{}
}

// NewPgNotifier はLISTEN/NOTIFY用の専用接続を開き、配送ループを起動する。
// channelsに指定した全チャネルをLISTENする。
func NewPgNotifier(databaseURL string, channels []string, logger *slog.Logger) (*PgNotifier, error) {
	listener := pq.NewListener(databaseURL, minReconnectInterval, maxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Error("store listener event",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		})

	for _, ch := range channels {
		if err := listener.Listen(ch); err != nil {
			listener.Close()
			return nil, fmt.Errorf("failed to listen on channel %s: %w", ch, err)
		}
	}

	n := newNotifier(logger)
	n.listener = listener
	go n.run()

	return n, nil
}

// newNotifier はファンアウトハブのみを初期化する。テストからはここを通じて
// dispatchを直接駆動する。
func newNotifier(logger *slog.Logger) *PgNotifier {
	return &PgNotifier{
		logger: logger,
		subs:   make(map[string]map[*Subscription]struct{}),
		done:   make(chan struct{}),
	}
}

// Subscribe は指定チャネルの購読ハンドルを返す。
func (n *PgNotifier) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		ch:     make(chan Event, subscriptionBuffer),
		cancel: func(s *Subscription) { n.remove(channel, s) },
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs[channel] == nil {
		n.subs[channel] = make(map[*Subscription]struct{})
	}
	n.subs[channel][sub] = struct{}{}

	return sub
}

// remove は購読を登録から外し、受信チャネルをクローズする。
func (n *PgNotifier) remove(channel string, sub *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if set, ok := n.subs[channel]; ok {
		delete(set, sub)
	}
	close(sub.ch)
}

// dispatch はイベントを該当チャネルの全購読者へ配送する。
// バッファが埋まっている購読者への配送はスキップする（全置換モデルでは
// 次の再取得が完全な真実を読むため、通知の欠落は安全）。
func (n *PgNotifier) dispatch(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs[ev.Channel] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// resync は全チャネルの全購読者へ空ペイロードのイベントを配送する。
// 接続断の間に取りこぼした通知を補うため、再接続時に呼ばれる。
func (n *PgNotifier) resync() {
	n.mu.Lock()
	channels := make([]string, 0, len(n.subs))
	for ch := range n.subs {
		channels = append(channels, ch)
	}
	n.mu.Unlock()

	for _, ch := range channels {
		n.dispatch(Event{Channel: ch})
	}
}

// run はリスナーからの通知を消費する配送ループ。
// pqはnil通知で接続の再確立を知らせるため、その場合は全購読者を再同期する。
func (n *PgNotifier) run() {
	for {
		select {
		case <-n.done:
			return
		case notification, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			if notification == nil {
				n.logger.Info("store listener reconnected, resyncing watchers")
				n.resync()
				continue
			}
			n.dispatch(Event{
				Channel: notification.Channel,
				Payload: notification.Extra,
			})
		}
	}
}

// Close は配送ループを停止し、リスナー接続を閉じる。
func (n *PgNotifier) Close() error {
	select {
	case <-n.done:
		return nil
	default:
	}
	close(n.done)
	if n.listener != nil {
		return n.listener.Close()
	}
	return nil
}

// compile-time interface check
var _ Watcher = (*PgNotifier)(nil)
