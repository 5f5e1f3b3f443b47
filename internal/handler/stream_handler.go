package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/roomsync/internal/directory"
	"github.com/hitoshi/roomsync/internal/middleware"
	"github.com/hitoshi/roomsync/internal/model"
	"github.com/hitoshi/roomsync/internal/session"
	"github.com/hitoshi/roomsync/internal/store"
)

const (
	// writeWait はコネクションへの書き込みタイムアウト。
	writeWait = 10 * time.Second
	// pongWait はクライアントからのPong応答の待機時間。
	pongWait = 60 * time.Second
	// pingPeriod はPing送信間隔。pongWaitより短くなければならない。
	pingPeriod = (pongWait * 9) / 10
	// outboundBuffer は接続1本あたりの送信キュー。あふれた場合は
	// 消費の遅いクライアントとみなして切断する（再接続で全量再同期される）。
	outboundBuffer = 32
)

// StreamRecorder はストリーム接続のメトリクス記録に必要なインターフェース。
// metrics.MetricsCollectorの部分集合として定義する。nilでもよい。
type StreamRecorder interface {
	RecordStreamConnected()
	RecordStreamDisconnected()
	RecordSnapshotRefresh(channel string)
}

// StreamDeps はStreamHandlerの依存関係をまとめた構造体。
type StreamDeps struct {
	Commands    CommandServiceInterface
	Rooms       directory.RoomLister
	Messages    session.MessageLister
	Watcher     store.Watcher
	Tokens      *StreamTokenIssuer
	RateLimiter *middleware.RateLimiter
	Recorder    StreamRecorder
	Logger      *slog.Logger

	// CheckOrigin はWebSocketハンドシェイクのOrigin検証。
	// 未設定の場合はgorilla/websocketのデフォルト（同一ホストのみ）を使う。
	CheckOrigin func(r *http.Request) bool
}

// StreamHandler はWebSocketによる双方向同期ストリームを提供する。
//
// 接続1本につきDirectory（ルーム一覧のライブビュー）とSession（現在の
// ルームのライブビュー）を1つずつ生成し、スナップショットの置き換えを
// そのままクライアントへ配信する。クライアントからはルーム選択・
// メッセージ送信・既読化のコマンドを受け付ける。
type StreamHandler struct {
	deps     StreamDeps
	upgrader websocket.Upgrader
}

// NewStreamHandler はStreamHandlerを生成する。
func NewStreamHandler(deps StreamDeps) *StreamHandler {
	return &StreamHandler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     deps.CheckOrigin,
		},
	}
}

// inboundFrame はクライアントから受信するコマンドフレーム。
type inboundFrame struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id,omitempty"`
	Password  string `json:"password,omitempty"`
	Content   string `json:"content,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// outboundFrame はクライアントへ送信するフレーム。
type outboundFrame struct {
	Type     string            `json:"type"`
	Rooms    []roomResponse    `json:"rooms,omitempty"`
	RoomID   string            `json:"room_id,omitempty"`
	Messages []messageResponse `json:"messages,omitempty"`
	Error    *ErrorFrameBody   `json:"error,omitempty"`
}

// ErrorFrameBody はストリーム上のエラー通知。HTTP APIの統一エラー
// フォーマットと同じフィールドを持つ。
type ErrorFrameBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// Serve はWebSocket接続を確立し、同期ストリームを開始する。
// GET /stream?token=xxx
// トークンはPOST /api/stream/tokenで発行された短命JWT。
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := h.deps.Tokens.Verify(token)
	if err != nil {
		h.deps.Logger.Warn("stream token rejected", slog.String("error", err.Error()))
		middleware.WriteAPIError(w, model.NewUnauthenticatedError())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeは失敗時に自身でレスポンスを書き込む
		h.deps.Logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	if h.deps.Recorder != nil {
		h.deps.Recorder.RecordStreamConnected()
	}
	h.deps.Logger.Info("stream connected", slog.String("user_id", userID))

	c := &streamConn{
		handler:  h,
		conn:     conn,
		userID:   userID,
		outbound: make(chan outboundFrame, outboundBuffer),
		done:     make(chan struct{}),
	}
	c.run(r.Context())
}

// streamConn は確立済みWebSocket接続1本の状態。
type streamConn struct {
	handler  *StreamHandler
	conn     *websocket.Conn
	userID   string
	outbound chan outboundFrame
	done     chan struct{}

	directory *directory.Directory
	session   *session.Session
}

// run は購読を確立し、読み書きループを起動する。readLoopの終了が
// 接続全体の寿命を決める。
func (c *streamConn) run(ctx context.Context) {
	deps := c.handler.deps
	ctx, cancel := context.WithCancel(ctx)

	c.directory = directory.NewDirectory(deps.Rooms, deps.Watcher, deps.Logger)
	c.directory.OnUpdate(func(rooms []*model.Room) {
		if deps.Recorder != nil {
			deps.Recorder.RecordSnapshotRefresh(store.ChannelRoomDirectory)
		}
		resp := make([]roomResponse, 0, len(rooms))
		for _, room := range rooms {
			resp = append(resp, toRoomResponse(room))
		}
		c.send(outboundFrame{Type: "rooms", Rooms: resp})
		c.clearIfRoomGone(ctx, rooms)
	})
	c.directory.OnError(func(err error) {
		c.sendError(err)
	})

	c.session = session.NewSession(deps.Messages, deps.Watcher, deps.Logger)
	c.session.OnUpdate(func(messages []*model.Message) {
		current := c.session.Current()
		if current == nil {
			return
		}
		if deps.Recorder != nil {
			deps.Recorder.RecordSnapshotRefresh(store.ChannelRoomMessages)
		}
		resp := make([]messageResponse, 0, len(messages))
		for _, msg := range messages {
			resp = append(resp, toMessageResponse(msg))
		}
		c.send(outboundFrame{Type: "messages", RoomID: current.ID, Messages: resp})

		// 他者の未読メッセージを既読化する（既読化の通知で再度
		// スナップショットが届くが、未読が尽きれば収束する）
		go c.markUnread(ctx)
	})
	c.session.OnError(func(err error) {
		c.sendError(err)
	})

	if err := c.directory.Start(ctx, c.userID); err != nil {
		c.sendError(err)
	}

	go c.writeLoop()
	c.readLoop(ctx)

	// 後始末。購読は同期的に解除される。
	cancel()
	c.directory.Stop()
	c.session.Close()
	close(c.done)
	c.conn.Close()

	if deps.Recorder != nil {
		deps.Recorder.RecordStreamDisconnected()
	}
	deps.Logger.Info("stream disconnected", slog.String("user_id", c.userID))
}

// readLoop はクライアントからのコマンドフレームを処理する。
func (c *streamConn) readLoop(ctx context.Context) {
	deps := c.handler.deps

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame inboundFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				deps.Logger.Warn("stream read failed",
					slog.String("user_id", c.userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		switch frame.Type {
		case "select_room":
			c.handleSelectRoom(ctx, frame)
		case "send_message":
			c.handleSendMessage(ctx, frame)
		case "mark_read":
			c.handleMarkRead(ctx, frame)
		default:
			deps.Logger.Warn("unknown stream frame type",
				slog.String("user_id", c.userID),
				slog.String("type", frame.Type),
			)
		}
	}
}

// handleSelectRoom はルーム選択コマンドを処理する。room_idが空の場合は
// 選択解除となり、メッセージログは即座にクリアされる。
func (c *streamConn) handleSelectRoom(ctx context.Context, frame inboundFrame) {
	if frame.RoomID == "" {
		if err := c.session.SetRoom(ctx, nil); err != nil {
			c.sendError(err)
		}
		return
	}

	room, err := c.handler.deps.Commands.JoinRoom(ctx, c.userID, frame.RoomID, frame.Password)
	if err != nil {
		c.sendError(err)
		return
	}

	if err := c.session.SetRoom(ctx, room); err != nil {
		c.sendError(err)
	}
}

// handleSendMessage はメッセージ送信コマンドを処理する。
func (c *streamConn) handleSendMessage(ctx context.Context, frame inboundFrame) {
	if c.handler.deps.RateLimiter != nil && !c.handler.deps.RateLimiter.AllowSend(c.userID) {
		c.send(outboundFrame{Type: "error", Error: &ErrorFrameBody{
			Code:     "RATE_LIMIT_EXCEEDED",
			Message:  "メッセージの送信回数が上限に達しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		}})
		return
	}

	if _, err := c.handler.deps.Commands.SendMessage(ctx, c.userID, c.session.Current(), frame.Content); err != nil {
		c.sendError(err)
	}
}

// handleMarkRead は既読化コマンドを処理する。
func (c *streamConn) handleMarkRead(ctx context.Context, frame inboundFrame) {
	if err := c.handler.deps.Commands.MarkAsRead(ctx, c.session.Current(), frame.MessageID); err != nil {
		c.sendError(err)
	}
}

// clearIfRoomGone は現在のルームがディレクトリのスナップショットから
// 消えた場合（削除された場合）にセッションを解除する。空のメッセージ
// フレームを送り、クライアント側のログも即座にクリアさせる。
func (c *streamConn) clearIfRoomGone(ctx context.Context, rooms []*model.Room) {
	current := c.session.Current()
	if current == nil {
		return
	}
	for _, room := range rooms {
		if room.ID == current.ID {
			return
		}
	}

	if err := c.session.SetRoom(ctx, nil); err != nil {
		c.sendError(err)
		return
	}
	c.handler.deps.Logger.Info("current room deleted, session cleared",
		slog.String("user_id", c.userID),
		slog.String("room_id", current.ID),
	)
	c.send(outboundFrame{Type: "messages", RoomID: current.ID, Messages: []messageResponse{}})
}

// markUnread は現在のログに含まれる他者の未読メッセージを既読化する。
func (c *streamConn) markUnread(ctx context.Context) {
	current := c.session.Current()
	if current == nil {
		return
	}
	for _, msg := range c.session.UnreadFrom(c.userID) {
		if err := c.handler.deps.Commands.MarkAsRead(ctx, current, msg.ID); err != nil {
			c.handler.deps.Logger.Warn("auto mark-read failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// writeLoop は送信キューを消費し、定期的にPingを送る。
func (c *streamConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(frame)
			if err != nil {
				c.handler.deps.Logger.Error("failed to marshal stream frame",
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// send はフレームを送信キューへ積む。キューがあふれた場合は消費の遅い
// クライアントとみなして切断する（全置換モデルでは再接続時に完全な
// スナップショットが再配信されるため、取りこぼしは安全）。
func (c *streamConn) send(frame outboundFrame) {
	select {
	case c.outbound <- frame:
	default:
		c.handler.deps.Logger.Warn("stream outbound queue full, closing",
			slog.String("user_id", c.userID),
		)
		c.conn.Close()
	}
}

// sendError はエラーを統一フォーマットでクライアントへ通知する。
func (c *streamConn) sendError(err error) {
	apiErr, ok := model.AsAPIError(err)
	if !ok {
		apiErr = &model.APIError{
			Code:     "INTERNAL_ERROR",
			Message:  "内部エラーが発生しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		}
	}
	c.send(outboundFrame{Type: "error", Error: &ErrorFrameBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}})
}
