package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"satsuei/internal/camera"
)

// previewQuality はライブ映像のJPEG品質（静止画より低くする）
const previewQuality = 70

// GetCameraStream はライブ映像をMJPEGで配信する
func (s *Server) GetCameraStream(c *gin.Context) {
	stream := s.ctrl.Active()
	if stream == nil || stream.Stopped() {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:     "camera_not_live",
			Message:   "カメラが起動していません",
			Timestamp: time.Now(),
		})
		return
	}

	s.streamMJPEG(c, stream)
}

// streamMJPEG はストリームが停止するかクライアントが切断するまでMJPEGを配信する
func (s *Server) streamMJPEG(c *gin.Context, stream *camera.ActiveStream) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	// レスポンスライターを取得
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	fps := s.config.Camera.FPS
	if fps <= 0 {
		fps = 15
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()
	s.logger.Debug("MJPEG配信を開始します", zap.String("stream_id", stream.ID))

	// ストリーミングループ
	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			return

		case <-ticker.C:
			if stream.Stopped() {
				// 撮影・取り消しでストリームが停止された
				return
			}
			frame, ok := stream.LatestFrame()
			if !ok {
				continue
			}
			data, _, err := camera.EncodeFrame(frame, previewQuality)
			if err != nil {
				s.logger.Debug("プレビューのエンコードに失敗", zap.Error(err))
				continue
			}

			// MJPEGフレームを書き込み
			if _, err := writer.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
				return
			}
			if _, err := writer.Write(data); err != nil {
				return
			}
			if _, err := writer.Write([]byte("\r\n")); err != nil {
				return
			}

			// バッファをフラッシュ
			flusher.Flush()
		}
	}
}
