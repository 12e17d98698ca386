package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"satsuei/internal/apperr"
	"satsuei/internal/camera"
	"satsuei/internal/flow"
)

const (
	thumbnailQuality = 85   // 縮小画像のJPEG品質
	maxThumbnailSide = 4096 // width/height に指定できる上限
)

// HealthCheck はヘルスチェックエンドポイントの実装
func (s *Server) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (s *Server) GetStatus(c *gin.Context) {
	response := StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		Camera: CameraInfo{
			Backend:   s.config.Camera.Backend,
			Devices:   len(s.catalog.Devices()),
			Streaming: s.ctrl.AliveCount() > 0,
		},
		Flow:               s.flow.Snapshot().Mode,
		SubmissionEndpoint: s.config.Submission.Endpoint,
		Timestamp:          time.Now(),
	}

	c.JSON(http.StatusOK, response)
}

// GetOpenAPI はAPI定義をJSONで返す
func (s *Server) GetOpenAPI(c *gin.Context) {
	data, err := s.openapi.MarshalJSON()
	if err != nil {
		s.respondPlain(c, http.StatusInternalServerError, "openapi_unavailable", "API定義を出力できません", err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// GetDevices は最後に列挙したカメラ一覧を返す
func (s *Server) GetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.devicesResponse(s.catalog.Devices()))
}

// RefreshDevices はカメラを列挙し直す
func (s *Server) RefreshDevices(c *gin.Context) {
	devices, err := s.catalog.Refresh(c.Request.Context())
	if err != nil {
		s.respondPlain(c, http.StatusServiceUnavailable, apperr.KindOf(err).String(), "カメラの一覧を取得できませんでした", err)
		return
	}
	c.JSON(http.StatusOK, s.devicesResponse(devices))
}

func (s *Server) devicesResponse(devices []camera.CaptureDevice) DevicesResponse {
	if devices == nil {
		devices = []camera.CaptureDevice{}
	}
	return DevicesResponse{
		Devices:   devices,
		CanToggle: s.catalog.HasMultiple(),
	}
}

// GetFlow はフローの現在状態を返す
func (s *Server) GetFlow(c *gin.Context) {
	c.JSON(http.StatusOK, s.flow.Snapshot())
}

// RequestCamera はカメラを起動する。本文は省略できる
func (s *Server) RequestCamera(c *gin.Context) {
	var req CameraRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondPlain(c, http.StatusBadRequest, "invalid_request", "リクエストの形式が正しくありません", err)
		return
	}

	facing := camera.FacingUnknown
	if req.Facing != "" {
		facing = camera.ParseFacing(req.Facing)
	}
	s.apply(c, http.StatusAccepted, flow.RequestCamera{Facing: facing})
}

// Capture はライブ映像から撮影する
func (s *Server) Capture(c *gin.Context) {
	s.apply(c, http.StatusOK, flow.Capture{})
}

// Cancel はカメラや進行中の処理を取り消す
func (s *Server) Cancel(c *gin.Context) {
	s.apply(c, http.StatusOK, flow.Cancel{})
}

// Toggle はカメラの向きを切り替える
func (s *Server) Toggle(c *gin.Context) {
	s.apply(c, http.StatusAccepted, flow.Toggle{})
}

// SelectFile はアップロードされた画像を静止画として選択する
func (s *Server) SelectFile(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		s.respondPlain(c, http.StatusBadRequest, "invalid_request", "画像ファイルが指定されていません", err)
		return
	}

	file, err := fh.Open()
	if err != nil {
		s.respondPlain(c, http.StatusBadRequest, "invalid_request", "画像ファイルを開けません", err)
		return
	}
	defer file.Close()

	// 上限を1バイト超えて読み、サイズ超過の判定はフローに任せる
	limit := s.config.Submission.MaxUploadBytes
	if limit <= 0 {
		limit = flow.DefaultMaxUploadBytes
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		s.respondPlain(c, http.StatusBadRequest, "invalid_request", "画像ファイルを読み込めません", err)
		return
	}

	s.apply(c, http.StatusOK, flow.SelectFile{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	})
}

// Submit は静止画を解析サーバーへ送信する
func (s *Server) Submit(c *gin.Context) {
	s.apply(c, http.StatusAccepted, flow.Submit{})
}

// Reset は画像と結果を破棄して最初に戻る
func (s *Server) Reset(c *gin.Context) {
	s.apply(c, http.StatusOK, flow.Reset{})
}

// Retry は失敗状態から復帰する
func (s *Server) Retry(c *gin.Context) {
	s.apply(c, http.StatusOK, flow.Retry{})
}

// GetFlowImage は現在の静止画を返す。width/height を指定すると縮小したJPEGを返す
func (s *Server) GetFlowImage(c *gin.Context) {
	img := s.flow.Image()
	if img == nil {
		s.respondPlain(c, http.StatusNotFound, "image_not_found", "表示できる画像がありません", nil)
		return
	}

	width, err := queryDimension(c, "width")
	if err != nil {
		s.respondPlain(c, http.StatusBadRequest, "invalid_request", "width が正しくありません", err)
		return
	}
	height, err := queryDimension(c, "height")
	if err != nil {
		s.respondPlain(c, http.StatusBadRequest, "invalid_request", "height が正しくありません", err)
		return
	}

	c.Header("Cache-Control", "no-store")
	if width == 0 && height == 0 {
		c.Data(http.StatusOK, img.ContentType, img.Data)
		return
	}

	data, err := thumbnail(img.Data, width, height)
	if err != nil {
		s.respondPlain(c, http.StatusUnprocessableEntity, apperr.KindValidation.String(), "画像を縮小できません", err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

// FlowWebSocket はフロー状態の変化をWebSocketで配信する
func (s *Server) FlowWebSocket(c *gin.Context) {
	s.hub.Serve(c.Writer, c.Request, s.flow.Snapshot())
}

// ヘルパー関数

// apply はイベントをフローに適用して結果を返す
func (s *Server) apply(c *gin.Context, status int, ev flow.Event) {
	snap, err := s.flow.Apply(c.Request.Context(), ev)
	if err != nil {
		s.logger.Debug("イベントを適用できませんでした",
			zap.String("event", ev.Name()),
			zap.String("mode", string(snap.Mode)),
			zap.Error(err))
		s.respondError(c, err, &snap)
		return
	}
	c.JSON(status, snap)
}

// respondError はエラーの種類に応じたステータスで応答する
func (s *Server) respondError(c *gin.Context, err error, snap *flow.Snapshot) {
	message := err.Error()
	if e, ok := apperr.As(err); ok && e.Message != "" {
		message = e.Message
	}
	_ = c.Error(err)
	c.JSON(statusFor(err), ErrorResponse{
		Error:     apperr.KindOf(err).String(),
		Message:   message,
		Details:   stringPtr(err.Error()),
		Flow:      snap,
		Timestamp: time.Now(),
	})
}

// respondPlain はフローを含まないエラーを返す
func (s *Server) respondPlain(c *gin.Context, status int, code, message string, err error) {
	response := ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err != nil {
		_ = c.Error(err)
		response.Details = stringPtr(err.Error())
	}
	c.JSON(status, response)
}

// statusFor はエラーの種類をHTTPステータスに変換する
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindBusy, apperr.KindInvalidTransition,
		apperr.KindInsufficientDevices, apperr.KindFrameUnavailable:
		return http.StatusConflict
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindSubmission:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func queryDimension(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("負の値は指定できません")
	}
	if v > maxThumbnailSide {
		return 0, fmt.Errorf("%d を超える値は指定できません", maxThumbnailSide)
	}
	return v, nil
}

// thumbnail は画像を指定サイズに収まるよう縮小してJPEGにする
//
// 片方が0の場合は縦横比を保つ。元画像より大きくはしない。
func thumbnail(data []byte, width, height int) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	width = min(width, bounds.Dx())
	height = min(height, bounds.Dy())

	var dst = src
	if width > 0 && height > 0 {
		dst = imaging.Fit(src, width, height, imaging.Lanczos)
	} else {
		dst = imaging.Resize(src, width, height, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, dst, imaging.JPEG, imaging.JPEGQuality(thumbnailQuality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
