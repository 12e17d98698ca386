// Package submission は静止画を解析サーバーへ送信するクライアントを提供する
//
// 送信は multipart/form-data の image フィールドで行い、2xx かつ JSON の応答を
// 解析結果として返す。失敗はすべて apperr.KindSubmission で、Reason に
// 細分類（network / timeout / client / server / invalid_response / canceled）が入る。
package submission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"satsuei/internal/apperr"
	"satsuei/internal/camera"
)

// Document は解析サーバーが返すJSONドキュメント。内容は解釈しない
type Document = json.RawMessage

// Reason は送信失敗の細分類
type Reason string

const (
	ReasonNetwork         Reason = "network"          // 接続できない
	ReasonTimeout         Reason = "timeout"          // 応答が時間内に返らない
	ReasonClient          Reason = "client"           // 4xx
	ReasonServer          Reason = "server"           // 5xx など2xx以外
	ReasonInvalidResponse Reason = "invalid_response" // 2xx だがJSONではない
	ReasonCanceled        Reason = "canceled"         // 呼び出し側が取り消した
)

const (
	// DefaultEndpoint は解析サーバーの既定URL
	DefaultEndpoint = "http://localhost:3001/api/analyze"
	// DefaultTimeout は送信のタイムアウト
	DefaultTimeout = 30 * time.Second
	// FieldName は画像を載せるフォームフィールド名
	FieldName = "image"

	maxResponseBytes = 10 << 20
)

// Client は解析サーバーのクライアント
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	logger   *zap.Logger
}

// NewClient は新しいClientを作成する
func NewClient(endpoint string, timeout time.Duration, logger *zap.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: endpoint,
		timeout:  timeout,
		http:     &http.Client{},
		logger:   logger,
	}
}

// Endpoint は送信先URLを返す
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Timeout は送信のタイムアウトを返す
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Submit は静止画を送信して解析結果を返す
func (c *Client) Submit(ctx context.Context, img *camera.StillImage) (Document, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, apperr.New(apperr.KindValidation, "submit", "送信する画像がありません")
	}

	body, contentType, err := encodeImage(img)
	if err != nil {
		return nil, fail(ReasonNetwork, "送信データの作成に失敗しました", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fail(ReasonNetwork, "送信先URLが不正です", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.transportError(ctx, err)
	}

	c.logger.Info("解析サーバーが応答しました",
		zap.String("image_id", img.ID),
		zap.Int("status", resp.StatusCode),
		zap.Int("size", len(data)),
		zap.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fail(ReasonClient,
			fmt.Sprintf("解析サーバーがリクエストを拒否しました（HTTP %d）", resp.StatusCode),
			fmt.Errorf("status %s", resp.Status))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fail(ReasonServer,
			fmt.Sprintf("解析サーバーでエラーが発生しました（HTTP %d）", resp.StatusCode),
			fmt.Errorf("status %s", resp.Status))
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) {
		return nil, fail(ReasonInvalidResponse, "解析サーバーの応答がJSONではありません",
			fmt.Errorf("invalid json (%d bytes)", len(data)))
	}
	return Document(data), nil
}

func (c *Client) transportError(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fail(ReasonTimeout, fmt.Sprintf("解析サーバーの応答が%v以内に返りませんでした", c.timeout), err)
	case errors.Is(ctx.Err(), context.Canceled):
		return fail(ReasonCanceled, "送信が取り消されました", err)
	default:
		return fail(ReasonNetwork, "解析サーバーに接続できません", err)
	}
}

// encodeImage は画像を multipart/form-data の image フィールドに詰める
func encodeImage(img *camera.StillImage) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	contentType := img.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(img.Data).String()
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FieldName, fileName(img.ID, contentType)))
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// fileName は画像IDとContent-Typeからファイル名を作る
func fileName(id, contentType string) string {
	if id == "" {
		id = "image"
	}
	ext := ".jpg"
	if m := mimetype.Lookup(contentType); m != nil && m.Extension() != "" {
		ext = m.Extension()
	}
	return id + ext
}

func fail(reason Reason, message string, err error) error {
	return &apperr.Error{
		Kind:    apperr.KindSubmission,
		Op:      "submit",
		Reason:  string(reason),
		Message: message,
		Err:     err,
	}
}

// ReasonOf は送信エラーの細分類を返す。送信エラーでなければ空
func ReasonOf(err error) Reason {
	e, ok := apperr.As(err)
	if !ok || e.Kind != apperr.KindSubmission {
		return ""
	}
	return Reason(e.Reason)
}
