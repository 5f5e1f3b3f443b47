package model

import "time"

// Message はチャットルーム内の1メッセージを表す。
// 内容は作成後イミュータブルで、Readフラグのみがfalse→trueに遷移する
// （逆方向の遷移は存在しない）。
type Message struct {
	ID       string
	RoomID   string
	SenderID string
	Content  string
	// Timestamp はストアが割り当てたサーバー時刻。
	// クライアント時計は使用しない（クライアント間の順序を一貫させるため）。
	Timestamp time.Time
	Read      bool
}
