package camera

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"satsuei/internal/apperr"
)

// ActiveStream は取得済みのライブストリーム
//
// Controller が排他的に所有し、Stop 後はフレームを返さない。
type ActiveStream struct {
	ID        string
	Device    CaptureDevice
	StartedAt time.Time

	raw     RawStream
	mu      sync.Mutex
	stopped bool
}

// Facing は実際に使用されたカメラの向きを返す
func (s *ActiveStream) Facing() Facing {
	return s.Device.Facing
}

// Tracks はストリームのトラック一覧を返す
func (s *ActiveStream) Tracks() []Track {
	return s.raw.Tracks()
}

// LatestFrame は最新フレームを返す。停止後は常に false
func (s *ActiveStream) LatestFrame() (image.Image, bool) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, false
	}
	return s.raw.LatestFrame()
}

// Stopped は停止済みかを返す
func (s *ActiveStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// stop は全トラックを停止する。2回目以降は何もしない
func (s *ActiveStream) stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	var errs []error
	for _, track := range s.raw.Tracks() {
		if err := track.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StreamHandle はプラットフォームからストリームを取得・停止する薄いラッパー
type StreamHandle struct {
	platform Platform
	logger   *zap.Logger
}

// NewStreamHandle は新しいStreamHandleを作成する
func NewStreamHandle(platform Platform, logger *zap.Logger) *StreamHandle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandle{platform: platform, logger: logger}
}

// Acquire は制約に従ってストリームを取得する
//
// 失敗は PermissionDenied / DeviceNotFound / ConstraintUnsatisfiable /
// UnknownAcquisition のいずれかで返す。
func (h *StreamHandle) Acquire(ctx context.Context, constraints StreamConstraints) (*ActiveStream, error) {
	raw, err := h.platform.GetStream(ctx, constraints)
	if err != nil {
		return nil, classifyAcquireError(err)
	}

	stream := &ActiveStream{
		ID:        uuid.New().String(),
		Device:    raw.Device(),
		StartedAt: time.Now(),
		raw:       raw,
	}
	h.logger.Info("ストリームを取得しました",
		zap.String("stream_id", stream.ID),
		zap.String("device", stream.Device.ID),
		zap.String("facing", string(stream.Device.Facing)),
		zap.Int("width", constraints.Width),
		zap.Int("height", constraints.Height))
	return stream, nil
}

// Stop はストリームを停止してハードウェアを解放する。nil や停止済みでも成功する
func (h *StreamHandle) Stop(stream *ActiveStream) error {
	if stream == nil {
		return nil
	}
	if stream.Stopped() {
		return nil
	}
	if err := stream.stop(); err != nil {
		h.logger.Warn("トラックの停止に失敗", zap.String("stream_id", stream.ID), zap.Error(err))
		return err
	}
	h.logger.Info("ストリームを停止しました", zap.String("stream_id", stream.ID))
	return nil
}

// classifyAcquireError は取得エラーを4種類のいずれかに揃える
func classifyAcquireError(err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindPermissionDenied, apperr.KindDeviceNotFound,
		apperr.KindConstraintUnsatisfiable, apperr.KindUnknownAcquisition:
		return err
	}
	return apperr.Wrap(apperr.KindUnknownAcquisition, "acquire", err)
}
