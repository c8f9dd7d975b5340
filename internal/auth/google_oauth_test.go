package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestGoogleOAuthProvider_AuthCodeURL_ContainsRequiredParams(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/auth/google/callback",
	})

	raw := provider.AuthCodeURL("test-state-value")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid URL %q: %v", raw, err)
	}
	if !strings.HasPrefix(raw, defaultGoogleAuthURL+"?") {
		t.Errorf("URL should start with %q, got %q", defaultGoogleAuthURL, raw)
	}

	q := u.Query()
	tests := []struct {
		param string
		want  string
	}{
		{"client_id", "test-client-id"},
		{"redirect_uri", "http://localhost:8080/auth/google/callback"},
		{"state", "test-state-value"},
		{"response_type", "code"},
		{"access_type", "offline"},
		{"prompt", "consent"},
		{"scope", Scopes},
	}

	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			if got := q.Get(tt.param); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.param, got, tt.want)
			}
		})
	}

	if !strings.Contains(q.Get("scope"), "drive.file") {
		t.Error("scope should request drive.file")
	}
}

func TestGoogleOAuthProvider_Exchange_Success(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("code") != "test-auth-code" {
			t.Errorf("code = %q", r.PostForm.Get("code"))
		}
		if r.PostForm.Get("client_secret") != "test-client-secret" {
			t.Errorf("client_secret = %q", r.PostForm.Get("client_secret"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "test-access-token",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "test-refresh-token",
		})
	}))
	defer tokenServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		TokenURL:     tokenServer.URL,
	})
	provider.now = func() time.Time { return now }

	tok, err := provider.Exchange(context.Background(), "test-auth-code")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if tok.AccessToken != "test-access-token" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if tok.RefreshToken != "test-refresh-token" {
		t.Errorf("RefreshToken = %q", tok.RefreshToken)
	}
	if want := now.Add(time.Hour); !tok.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", tok.Expiry, want)
	}
}

func TestGoogleOAuthProvider_Exchange_TokenError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":             "invalid_request",
			"error_description": "Missing code.",
		})
	}))
	defer tokenServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{TokenURL: tokenServer.URL})

	_, err := provider.Exchange(context.Background(), "invalid-code")
	if err == nil {
		t.Fatal("expected error from Exchange with invalid code")
	}
	if errors.Is(err, ErrInvalidGrant) {
		t.Error("invalid_request should not be reported as ErrInvalidGrant")
	}
}

func TestGoogleOAuthProvider_Exchange_EmptyAccessToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"token_type": "Bearer"})
	}))
	defer tokenServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{TokenURL: tokenServer.URL})

	if _, err := provider.Exchange(context.Background(), "code"); err == nil {
		t.Fatal("expected error for empty access token")
	}
}

func TestGoogleOAuthProvider_Refresh(t *testing.T) {
	tests := []struct {
		name         string
		refreshToken string
		status       int
		body         map[string]interface{}
		wantErr      bool
		wantInvalid  bool
		wantAccess   string
	}{
		{
			name:         "成功",
			refreshToken: "rt",
			status:       http.StatusOK,
			body:         map[string]interface{}{"access_token": "new-access", "expires_in": 3599},
			wantAccess:   "new-access",
		},
		{
			name:         "invalid_grant",
			refreshToken: "rt",
			status:       http.StatusBadRequest,
			body:         map[string]interface{}{"error": "invalid_grant", "error_description": "Token has been expired or revoked."},
			wantErr:      true,
			wantInvalid:  true,
		},
		{
			name:         "サーバーエラー",
			refreshToken: "rt",
			status:       http.StatusInternalServerError,
			body:         map[string]interface{}{"error": "internal_failure"},
			wantErr:      true,
		},
		{
			name:        "リフレッシュトークンなし",
			status:      http.StatusOK,
			wantErr:     true,
			wantInvalid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called bool
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				r.ParseForm()
				if r.PostForm.Get("grant_type") != "refresh_token" {
					t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
				}
				if r.PostForm.Get("refresh_token") != tt.refreshToken {
					t.Errorf("refresh_token = %q", r.PostForm.Get("refresh_token"))
				}
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			provider := NewGoogleOAuthProvider(GoogleOAuthConfig{TokenURL: server.URL})
			tok, err := provider.Refresh(context.Background(), tt.refreshToken)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if errors.Is(err, ErrInvalidGrant) != tt.wantInvalid {
					t.Errorf("errors.Is(err, ErrInvalidGrant) = %v, want %v (err=%v)", !tt.wantInvalid, tt.wantInvalid, err)
				}
				if tt.refreshToken == "" && called {
					t.Error("token endpoint should not be called without a refresh token")
				}
				return
			}
			if err != nil {
				t.Fatalf("Refresh() error = %v", err)
			}
			if tok.AccessToken != tt.wantAccess {
				t.Errorf("AccessToken = %q, want %q", tok.AccessToken, tt.wantAccess)
			}
		})
	}
}

func TestGoogleOAuthProvider_UserInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sub":   "google-sub-12345",
			"email": "user@gmail.com",
			"name":  "Google User",
		})
	}))
	defer server.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{UserInfoURL: server.URL})

	user, err := provider.UserInfo(context.Background(), "test-access-token")
	if err != nil {
		t.Fatalf("UserInfo() error = %v", err)
	}
	if user.Subject != "google-sub-12345" || user.Email != "user@gmail.com" || user.Name != "Google User" {
		t.Errorf("user = %+v", user)
	}

	if _, err := provider.UserInfo(context.Background(), "wrong-token"); err == nil {
		t.Error("expected error for unauthorized token")
	}
}

func TestGoogleOAuthProvider_UserInfo_EmptySub(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"email": "user@gmail.com"})
	}))
	defer server.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{UserInfoURL: server.URL})

	if _, err := provider.UserInfo(context.Background(), "token"); err == nil {
		t.Fatal("expected error for empty sub")
	}
}

func TestGoogleOAuthProvider_Revoke(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"成功", http.StatusOK, `{}`, false},
		{"既に無効なトークン", http.StatusBadRequest, `{"error":"invalid_token"}`, false},
		{"サーバーエラー", http.StatusServiceUnavailable, `{"error":"unavailable"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				r.ParseForm()
				if r.PostForm.Get("token") != "rt" {
					t.Errorf("token = %q", r.PostForm.Get("token"))
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			provider := NewGoogleOAuthProvider(GoogleOAuthConfig{RevokeURL: server.URL})
			err := provider.Revoke(context.Background(), "rt")
			if (err != nil) != tt.wantErr {
				t.Errorf("Revoke() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGoogleOAuthProvider_UsesInjectedClient(t *testing.T) {
	var used bool
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		used = true
		return nil, errors.New("blocked by test transport")
	})}

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{HTTPClient: client})
	if _, err := provider.Exchange(context.Background(), "code"); err == nil {
		t.Fatal("expected transport error")
	}
	if !used {
		t.Error("injected HTTP client was not used")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
