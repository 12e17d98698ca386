package camera

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Backend はカメラAPIの実装種別
type Backend string

const (
	// BackendMediaDevices は pion/mediadevices を使う
	BackendMediaDevices Backend = "mediadevices"
	// BackendV4L2 は v4l2-ctl と ffmpeg を使う
	BackendV4L2 Backend = "v4l2"
	// BackendMock はメモリ上のモックを使う
	BackendMock Backend = "mock"
)

// PlatformConfig はPlatform作成設定
type PlatformConfig struct {
	FPS int // V4L2で使うフレームレート
}

// PlatformCreator はPlatform作成関数の型
type PlatformCreator func(config PlatformConfig, logger *zap.Logger) (Platform, error)

// PlatformFactory はバックエンド名からPlatformを作成する
type PlatformFactory struct {
	creators map[Backend]PlatformCreator
}

// NewPlatformFactory は標準のバックエンドを登録したファクトリーを作成する
func NewPlatformFactory() *PlatformFactory {
	f := &PlatformFactory{creators: make(map[Backend]PlatformCreator)}

	f.Register(BackendMediaDevices, func(_ PlatformConfig, logger *zap.Logger) (Platform, error) {
		return NewMediaDevicesPlatform(logger), nil
	})
	f.Register(BackendV4L2, func(config PlatformConfig, logger *zap.Logger) (Platform, error) {
		return NewV4L2Platform(config.FPS, logger), nil
	})
	f.Register(BackendMock, func(_ PlatformConfig, _ *zap.Logger) (Platform, error) {
		return NewMockPlatform([]CaptureDevice{
			{ID: "mock-back", Label: "Mock Back Camera", Facing: FacingBack},
			{ID: "mock-front", Label: "Mock Front Camera", Facing: FacingFront},
		}), nil
	})

	return f
}

// Register はPlatform作成関数を登録する
func (f *PlatformFactory) Register(backend Backend, creator PlatformCreator) {
	f.creators[backend] = creator
}

// Create はPlatformを作成する
func (f *PlatformFactory) Create(backend Backend, config PlatformConfig, logger *zap.Logger) (Platform, error) {
	creator, exists := f.creators[backend]
	if !exists {
		return nil, fmt.Errorf("サポートされていないカメラバックエンド: %s", backend)
	}
	return creator(config, logger)
}

// Supported は登録済みのバックエンド名を返す
func (f *PlatformFactory) Supported() []Backend {
	backends := make([]Backend, 0, len(f.creators))
	for b := range f.creators {
		backends = append(backends, b)
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i] < backends[j] })
	return backends
}
