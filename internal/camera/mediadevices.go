package camera

import (
	"context"
	"errors"
	"image"
	"io/fs"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // カメラドライバを登録
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"satsuei/internal/apperr"
)

// MediaDevicesPlatform は pion/mediadevices を使うカメラAPI実装
type MediaDevicesPlatform struct {
	logger *zap.Logger
}

// NewMediaDevicesPlatform は新しいMediaDevicesPlatformを作成する
func NewMediaDevicesPlatform(logger *zap.Logger) Platform {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaDevicesPlatform{logger: logger}
}

// EnumerateDevices は映像入力デバイスを列挙する
func (p *MediaDevicesPlatform) EnumerateDevices(ctx context.Context) ([]CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindDeviceEnumeration, "enumerate", err)
	}

	var devices []CaptureDevice
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind != mediadevices.VideoInput {
			continue
		}
		devices = append(devices, CaptureDevice{
			ID:     info.DeviceID,
			Label:  info.Label,
			Facing: facingFromLabel(info.Label),
		})
	}
	return devices, nil
}

// GetStream は getUserMedia 相当の呼び出しでストリームを取得する
func (p *MediaDevicesPlatform) GetStream(ctx context.Context, constraints StreamConstraints) (RawStream, error) {
	devices, err := p.EnumerateDevices(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnknownAcquisition, "acquire", err)
	}
	device, ok := selectDevice(devices, constraints)
	if !ok {
		return nil, apperr.New(apperr.KindDeviceNotFound, "acquire", "映像入力デバイスが見つかりません")
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.DeviceID = prop.StringExact(device.ID)
				if constraints.Width > 0 {
					c.Width = prop.Int(constraints.Width)
				}
				if constraints.Height > 0 {
					c.Height = prop.Int(constraints.Height)
				}
			},
		})
		done <- result{stream: s, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// 後から取得できたストリームは即座に解放する
		go func() {
			if late := <-done; late.err == nil {
				for _, t := range late.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, apperr.Wrap(apperr.KindUnknownAcquisition, "acquire", ctx.Err())
	}
	if res.err != nil {
		return nil, mapMediaDevicesError(res.err, constraints)
	}

	stream := &mediaDevicesStream{device: device}
	for _, t := range res.stream.GetTracks() {
		stream.tracks = append(stream.tracks, &mediaDevicesTrack{track: t})
	}
	videoTracks := res.stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		stream.stopAll()
		return nil, apperr.New(apperr.KindUnknownAcquisition, "acquire", "映像トラックがありません")
	}
	vt, ok := videoTracks[0].(*mediadevices.VideoTrack)
	if !ok {
		stream.stopAll()
		return nil, apperr.New(apperr.KindUnknownAcquisition, "acquire", "映像トラックの型が不正です")
	}

	go stream.readFrames(vt, p.logger)
	return stream, nil
}

// mapMediaDevicesError はライブラリのエラーを分類する
func mapMediaDevicesError(err error, constraints StreamConstraints) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, fs.ErrPermission), strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		return apperr.Wrap(apperr.KindPermissionDenied, "acquire", err)
	case errors.Is(err, fs.ErrNotExist), strings.Contains(msg, "no such file"), strings.Contains(msg, "no such device"):
		return apperr.Wrap(apperr.KindDeviceNotFound, "acquire", err)
	case strings.Contains(msg, "failed to find the best driver"):
		if constraints.HasResolution() {
			return apperr.Wrap(apperr.KindConstraintUnsatisfiable, "acquire", err)
		}
		return apperr.Wrap(apperr.KindDeviceNotFound, "acquire", err)
	default:
		return apperr.Wrap(apperr.KindUnknownAcquisition, "acquire", err)
	}
}

type mediaDevicesStream struct {
	device CaptureDevice
	tracks []Track

	mu     sync.RWMutex
	latest image.Image
}

func (s *mediaDevicesStream) Tracks() []Track {
	return s.tracks
}

func (s *mediaDevicesStream) LatestFrame() (image.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.latest != nil
}

func (s *mediaDevicesStream) Device() CaptureDevice {
	return s.device
}

func (s *mediaDevicesStream) stopAll() {
	for _, t := range s.tracks {
		_ = t.Stop()
	}
}

// readFrames はトラックが閉じられるまで最新フレームを保持し続ける
func (s *mediaDevicesStream) readFrames(vt *mediadevices.VideoTrack, logger *zap.Logger) {
	reader := vt.NewReader(false)
	for {
		img, release, err := reader.Read()
		if err != nil {
			logger.Debug("フレーム読み取りを終了", zap.String("device", s.device.ID), zap.Error(err))
			s.mu.Lock()
			s.latest = nil
			s.mu.Unlock()
			return
		}

		// release 後はバッファが再利用されるためコピーを保持する
		b := img.Bounds()
		frame := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Copy(frame, image.Point{}, img, b, draw.Src, nil)
		release()

		s.mu.Lock()
		s.latest = frame
		s.mu.Unlock()
	}
}

// mediaDevicesTrack は mediadevices.Track を Track に合わせる
type mediaDevicesTrack struct {
	track mediadevices.Track
	once  sync.Once
	err   error
}

func (t *mediaDevicesTrack) ID() string {
	return t.track.ID()
}

func (t *mediaDevicesTrack) Stop() error {
	t.once.Do(func() {
		t.err = t.track.Close()
	})
	return t.err
}
