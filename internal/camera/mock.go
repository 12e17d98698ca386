package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"

	"satsuei/internal/apperr"
)

// MockPlatform はテストやデモ用のメモリ上のカメラAPI
type MockPlatform struct {
	mu sync.Mutex

	devices      []CaptureDevice
	enumerateErr error
	failures     []error
	frame        image.Image
	gate         chan struct{}

	calls   []StreamConstraints
	streams []*mockStream
}

// NewMockPlatform は新しいMockPlatformを作成する
func NewMockPlatform(devices []CaptureDevice) *MockPlatform {
	return &MockPlatform{
		devices: devices,
		frame:   NewTestFrame(640, 480),
	}
}

// NewTestFrame は単色のテスト用フレームを作成する
func NewTestFrame(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 160, B: 80, A: 255})
		}
	}
	return img
}

// EnumerateDevices はモックデバイス一覧を返す
func (m *MockPlatform) EnumerateDevices(ctx context.Context) ([]CaptureDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindDeviceEnumeration, "enumerate", err)
	}
	if m.enumerateErr != nil {
		return nil, m.enumerateErr
	}
	result := make([]CaptureDevice, len(m.devices))
	copy(result, m.devices)
	return result, nil
}

// GetStream はモックストリームを返す
func (m *MockPlatform) GetStream(ctx context.Context, constraints StreamConstraints) (RawStream, error) {
	m.mu.Lock()
	gate := m.gate
	m.calls = append(m.calls, constraints)
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindUnknownAcquisition, "acquire", ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return nil, err
		}
	}

	device, ok := selectDevice(m.devices, constraints)
	if !ok {
		return nil, apperr.New(apperr.KindDeviceNotFound, "acquire", "モック: デバイスが見つかりません")
	}

	s := &mockStream{
		platform: m,
		device:   device,
		track:    &mockTrack{id: fmt.Sprintf("mock-track-%d", len(m.streams)+1)},
	}
	m.streams = append(m.streams, s)
	return s, nil
}

// FailNext は次回以降の GetStream を順に失敗させる。nil はその回を成功させる
func (m *MockPlatform) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// SetEnumerateError は列挙エラーを設定する
func (m *MockPlatform) SetEnumerateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enumerateErr = err
}

// SetDevices はデバイス一覧を差し替える
func (m *MockPlatform) SetDevices(devices []CaptureDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = devices
}

// SetFrame は配信するフレームを設定する。nil ならフレームが届いていない状態
func (m *MockPlatform) SetFrame(frame image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frame = frame
}

// Block は Unblock が呼ばれるまで GetStream を待たせる
func (m *MockPlatform) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
}

// Unblock は待機中の GetStream を進める
func (m *MockPlatform) Unblock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// Calls は GetStream に渡された制約の履歴を返す
func (m *MockPlatform) Calls() []StreamConstraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]StreamConstraints, len(m.calls))
	copy(result, m.calls)
	return result
}

// AliveStreams は停止されていないストリーム数を返す
func (m *MockPlatform) AliveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	alive := 0
	for _, s := range m.streams {
		if !s.track.isStopped() {
			alive++
		}
	}
	return alive
}

type mockStream struct {
	platform *MockPlatform
	device   CaptureDevice
	track    *mockTrack
}

func (s *mockStream) Tracks() []Track {
	return []Track{s.track}
}

func (s *mockStream) LatestFrame() (image.Image, bool) {
	if s.track.isStopped() {
		return nil, false
	}
	s.platform.mu.Lock()
	defer s.platform.mu.Unlock()
	if s.platform.frame == nil {
		return nil, false
	}
	return s.platform.frame, true
}

func (s *mockStream) Device() CaptureDevice {
	return s.device
}

type mockTrack struct {
	id      string
	mu      sync.Mutex
	stopped bool
}

func (t *mockTrack) ID() string {
	return t.id
}

func (t *mockTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *mockTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
