// Package drive はGoogle Drive v3 APIでドキュメントを作成するクライアントを提供する。
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/hitoshi/pind/internal/model"
)

const (
	// defaultUploadEndpoint はDrive v3のmultipartアップロードエンドポイント。
	defaultUploadEndpoint = "https://www.googleapis.com/upload/drive/v3/files?uploadType=multipart&fields=id,webViewLink"

	// MessageSignInRequired はアクセストークンを取得できない場合のユーザー向けメッセージ。
	MessageSignInRequired = "Please sign in to Google to create maps lists"

	maxResponseBytes = 1 << 20
)

// TokenSource はDrive APIに渡すアクセストークンを供給するインターフェース。
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client はGoogle Drive v3 APIのクライアント。
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, tokens TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
		endpoint:   defaultUploadEndpoint,
	}
}

// fileMetadata はmultipartアップロードのメタデータ部。
type fileMetadata struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

// fileResponse はファイル作成APIのレスポンス。
type fileResponse struct {
	ID          string `json:"id"`
	WebViewLink string `json:"webViewLink"`
}

// errorResponse はGoogle APIのエラーレスポンス。
type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// CreateDocument はcontentを指定名のファイルとしてDriveに作成し、IDと閲覧リンクを返す。
// 名前は加工せずそのまま使用する。失敗はすべて*model.ExportErrorとして返す。
func (c *Client) CreateDocument(ctx context.Context, name string, content []byte, mimeType string) (*model.Document, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, &model.ExportError{Message: MessageSignInRequired, Err: err}
	}

	body, contentType, err := buildMultipart(name, content, mimeType)
	if err != nil {
		return nil, &model.ExportError{Err: fmt.Errorf("failed to build upload body: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, &model.ExportError{Err: fmt.Errorf("failed to create upload request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("drive upload request failed",
			slog.String("error", err.Error()),
			slog.String("name", name),
		)
		return nil, &model.ExportError{Err: fmt.Errorf("drive upload request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &model.ExportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read drive response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := parseErrorMessage(respBody)
		c.logger.Error("drive returned error status",
			slog.Int("http_status", resp.StatusCode),
			slog.String("message", msg),
		)
		return nil, &model.ExportError{
			StatusCode: resp.StatusCode,
			Message:    msg,
			Err:        fmt.Errorf("drive returned status %d", resp.StatusCode),
		}
	}

	var file fileResponse
	if err := json.Unmarshal(respBody, &file); err != nil {
		return nil, &model.ExportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to parse drive response: %w", err)}
	}
	if file.ID == "" || file.WebViewLink == "" {
		return nil, &model.ExportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("drive response missing id or webViewLink")}
	}

	c.logger.Info("drive document created",
		slog.String("document_id", file.ID),
		slog.Int("bytes", len(content)),
	)
	return &model.Document{ID: file.ID, WebViewLink: file.WebViewLink}, nil
}

// buildMultipart はmultipart/relatedのリクエストボディを構築する。
func buildMultipart(name string, content []byte, mimeType string) (io.Reader, string, error) {
	meta, err := json.Marshal(fileMetadata{Name: name, MimeType: mimeType})
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaPart, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return nil, "", err
	}
	if _, err := metaPart.Write(meta); err != nil {
		return nil, "", err
	}

	mediaPart, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {mimeType},
	})
	if err != nil {
		return nil, "", err
	}
	if _, err := mediaPart.Write(content); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, "multipart/related; boundary=" + w.Boundary(), nil
}

// parseErrorMessage はGoogle APIのエラーレスポンスからメッセージを取り出す。
// 取り出せない場合は空文字を返す。
func parseErrorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return ""
	}
	return er.Error.Message
}
