package model

import "time"

// User はGoogleアカウントのユーザー情報を表す。
type User struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// Credential は連携済みGoogleアカウントの認証情報を表す。
// プロセス全体で1件のみ保持する。
type Credential struct {
	User         User
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	UpdatedAt    time.Time
}

// Expired はleeway分の余裕を見てアクセストークンが期限切れかを判定する。
func (c *Credential) Expired(now time.Time, leeway time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(c.Expiry)
}
