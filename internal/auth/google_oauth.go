package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/pind/internal/model"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
	defaultGoogleRevokeURL   = "https://oauth2.googleapis.com/revoke"

	// Scopes はサインイン時に要求するスコープ。
	// drive.fileはアプリが作成したファイルのみにアクセスできる最小スコープ。
	Scopes = "openid email profile https://www.googleapis.com/auth/drive.file"

	maxResponseBytes = 1 << 20
)

// ErrInvalidGrant はリフレッシュトークンが失効または取り消された場合のエラー。
var ErrInvalidGrant = errors.New("refresh token revoked or expired")

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// HTTPClient はGoogleへのリクエストに使用するクライアント。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	RevokeURL   string
}

// Token はGoogleのトークンエンドポイントから取得したトークンを表す。
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// GoogleOAuthProvider はGoogle OAuth 2.0のエンドポイントを呼び出す。
type GoogleOAuthProvider struct {
	config GoogleOAuthConfig
	client *http.Client
	now    func() time.Time
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if config.RevokeURL == "" {
		config.RevokeURL = defaultGoogleRevokeURL
	}
	client := config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &GoogleOAuthProvider{config: config, client: client, now: time.Now}
}

// AuthCodeURL はGoogle OAuthの認証URLを生成する。
// リフレッシュトークンを取得するためaccess_type=offline, prompt=consentを指定する。
func (p *GoogleOAuthProvider) AuthCodeURL(state string) string {
	params := url.Values{
		"client_id":              {p.config.ClientID},
		"redirect_uri":           {p.config.RedirectURL},
		"response_type":          {"code"},
		"scope":                  {Scopes},
		"state":                  {state},
		"access_type":            {"offline"},
		"prompt":                 {"consent"},
		"include_granted_scopes": {"true"},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// googleTokenResponse はGoogleのトークンエンドポイントのレスポンス。
type googleTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// googleErrorResponse はGoogleのOAuthエンドポイントのエラーレスポンス。
type googleErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Exchange は認可コードをトークンに交換する。
func (p *GoogleOAuthProvider) Exchange(ctx context.Context, code string) (*Token, error) {
	tok, err := p.requestToken(ctx, url.Values{
		"code":          {code},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"redirect_uri":  {p.config.RedirectURL},
		"grant_type":    {"authorization_code"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	return tok, nil
}

// Refresh はリフレッシュトークンでアクセストークンを更新する。
// リフレッシュトークンが失効している場合はErrInvalidGrantをラップしたエラーを返す。
func (p *GoogleOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("failed to refresh token: %w", ErrInvalidGrant)
	}
	tok, err := p.requestToken(ctx, url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"grant_type":    {"refresh_token"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return tok, nil
}

// requestToken はトークンエンドポイントにフォームをPOSTする。
func (p *GoogleOAuthProvider) requestToken(ctx context.Context, data url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var gerr googleErrorResponse
		if json.Unmarshal(body, &gerr) == nil && gerr.Error == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, gerr.ErrorDescription)
		}
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp googleTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	tok := &Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
	}
	if tokenResp.ExpiresIn > 0 {
		tok.Expiry = p.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// UserInfo はアクセストークンでGoogleのユーザー情報を取得する。
func (p *GoogleOAuthProvider) UserInfo(ctx context.Context, accessToken string) (*model.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}

	return &model.User{Subject: info.Sub, Email: info.Email, Name: info.Name}, nil
}

// Revoke はトークンを取り消す。既に無効なトークンの場合もエラーにしない。
func (p *GoogleOAuthProvider) Revoke(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.RevokeURL,
		strings.NewReader(url.Values{"token": {token}}.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	var gerr googleErrorResponse
	if json.Unmarshal(body, &gerr) == nil && gerr.Error == "invalid_token" {
		return nil
	}
	return fmt.Errorf("revoke failed with status %d: %s", resp.StatusCode, string(body))
}

// compile-time interface check
var _ OAuthClient = (*GoogleOAuthProvider)(nil)
