package store

import "log/slog"

// MemoryWatcher は接続を持たないインプロセスのWatcher。
// PgNotifierと同じファンアウト経路を使い、Publishで任意のイベントを
// 流し込める。購読側パッケージのテストで使う。
type MemoryWatcher struct {
	hub *PgNotifier
}

// NewMemoryWatcher はMemoryWatcherを生成する。
func NewMemoryWatcher(logger *slog.Logger) *MemoryWatcher {
	return &MemoryWatcher{hub: newNotifier(logger)}
}

// Subscribe は指定チャネルの購読ハンドルを返す。
func (w *MemoryWatcher) Subscribe(channel string) *Subscription {
	return w.hub.Subscribe(channel)
}

// Publish はイベントを該当チャネルの全購読者へ配送する。
func (w *MemoryWatcher) Publish(ev Event) {
	w.hub.dispatch(ev)
}

// Resync は全購読者へ空ペイロードの再同期イベントを配送する。
func (w *MemoryWatcher) Resync() {
	w.hub.resync()
}

// compile-time interface check
var _ Watcher = (*MemoryWatcher)(nil)
