package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"satsuei/internal/apperr"
)

// DefaultJPEGQuality は静止画のJPEG品質
const DefaultJPEGQuality = 95

// FrameGrabber はライブストリームの現在フレームを静止画にする
type FrameGrabber struct {
	quality int
	logger  *zap.Logger
}

// NewFrameGrabber は新しいFrameGrabberを作成する
func NewFrameGrabber(quality int, logger *zap.Logger) *FrameGrabber {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameGrabber{quality: quality, logger: logger}
}

// Quality はJPEG品質を返す
func (g *FrameGrabber) Quality() int {
	return g.quality
}

// Snapshot は現在フレームをJPEG静止画として取り出す
//
// ストリームは停止しない。停止は呼び出し側の責務。
func (g *FrameGrabber) Snapshot(stream *ActiveStream) (*StillImage, error) {
	if stream == nil {
		return nil, apperr.New(apperr.KindFrameUnavailable, "snapshot", "ストリームがありません")
	}

	frame, ok := stream.LatestFrame()
	if !ok || frame == nil {
		return nil, apperr.New(apperr.KindFrameUnavailable, "snapshot", "フレームがまだ取得されていません")
	}

	data, bounds, err := EncodeFrame(frame, g.quality)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFrameUnavailable, "snapshot", err)
	}

	img := &StillImage{
		ID:          uuid.New().String(),
		Data:        data,
		ContentType: "image/jpeg",
		Origin:      OriginCamera,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		CreatedAt:   time.Now(),
	}
	g.logger.Info("静止画を取得しました",
		zap.String("image_id", img.ID),
		zap.String("stream_id", stream.ID),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
		zap.Int("size", img.Size()))
	return img, nil
}

// EncodeFrame はフレームをフレームと同じ大きさのキャンバスに描画してJPEGにする
func EncodeFrame(frame image.Image, quality int) ([]byte, image.Rectangle, error) {
	src := frame.Bounds()
	if src.Empty() {
		return nil, src, fmt.Errorf("フレームが空です")
	}

	canvas := image.NewRGBA(image.Rect(0, 0, src.Dx(), src.Dy()))
	draw.Copy(canvas, image.Point{}, frame, src, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return nil, src, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), canvas.Bounds(), nil
}
