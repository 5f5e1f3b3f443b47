// Package model はドメインモデルを定義する。
package model

import "time"

// User は認証済みユーザーのプロフィールを表す。
// IDはIdPが発行する不透明な識別子（例: "google:1234..."）で、
// サインインのたびにプロフィールがマージ更新される。
type User struct {
	ID          string
	DisplayName string
	Email       string
	PhotoURL    string
	LastLogin   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Session はログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
