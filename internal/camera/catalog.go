package camera

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"satsuei/internal/apperr"
)

// Catalog は最後に列挙したカメラデバイスの一覧を保持する
type Catalog struct {
	platform Platform
	logger   *zap.Logger

	mu      sync.RWMutex
	devices []CaptureDevice
}

// NewCatalog は新しいCatalogを作成する
func NewCatalog(platform Platform, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		platform: platform,
		logger:   logger,
	}
}

// Refresh はデバイスを列挙し直し、前回の結果を丸ごと置き換える
func (c *Catalog) Refresh(ctx context.Context) ([]CaptureDevice, error) {
	devices, err := c.platform.EnumerateDevices(ctx)
	if err != nil {
		if !apperr.IsKind(err, apperr.KindDeviceEnumeration) {
			err = apperr.Wrap(apperr.KindDeviceEnumeration, "enumerate", err)
		}
		c.logger.Warn("デバイスの列挙に失敗", zap.Error(err))
		return nil, err
	}

	list := make([]CaptureDevice, len(devices))
	copy(list, devices)

	c.mu.Lock()
	c.devices = list
	c.mu.Unlock()

	c.logger.Debug("デバイスを列挙しました", zap.Int("count", len(list)))
	return c.Devices(), nil
}

// Devices は最後の列挙結果のコピーを返す
func (c *Catalog) Devices() []CaptureDevice {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]CaptureDevice, len(c.devices))
	copy(result, c.devices)
	return result
}

// HasMultiple は最後の列挙で2台以上見つかったかを返す
func (c *Catalog) HasMultiple() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices) >= 2
}

// hasFacing は指定の向きのデバイスがあるかを返す
func (c *Catalog) hasFacing(f Facing) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.devices {
		if d.Facing == f {
			return true
		}
	}
	return false
}

// nextDevice は列挙順で id の次にある別のデバイスを返す（末尾の次は先頭）
func (c *Catalog) nextDevice(id string) (CaptureDevice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := 0
	for i, d := range c.devices {
		if d.ID == id {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(c.devices); i++ {
		d := c.devices[(start+i)%len(c.devices)]
		if d.ID != id {
			return d, true
		}
	}
	return CaptureDevice{}, false
}
