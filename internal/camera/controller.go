package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"satsuei/internal/apperr"
)

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int // 幅
	Height int // 高さ
}

// Controller はアクティブなストリームの開始・停止・切り替えを担う
//
// アクティブなストリームは常に高々1本で、スロットを操作できるのは
// Controller だけ。開始と切り替えは同時に1つしか実行しない。
type Controller struct {
	handle  *StreamHandle
	catalog *Catalog
	ideal   Resolution
	logger  *zap.Logger

	mu         sync.Mutex
	active     *ActiveStream
	facing     Facing        // 最後に許可された向き
	preference Facing        // 最後に要求した向き
	device     CaptureDevice // 最後に許可されたデバイス

	inflight atomic.Bool
}

// NewController は新しいControllerを作成する
func NewController(handle *StreamHandle, catalog *Catalog, ideal Resolution, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		handle:  handle,
		catalog: catalog,
		ideal:   ideal,
		logger:  logger,

		facing:     FacingUnknown,
		preference: FacingUnknown,
	}
}

// Start は指定の向きでストリームを開始する
//
// 既存のストリームは先に停止する。制約を満たせない場合は解像度指定を外して
// 1回だけ再試行する。
func (c *Controller) Start(ctx context.Context, facing Facing) (*ActiveStream, error) {
	if !c.inflight.CompareAndSwap(false, true) {
		return nil, apperr.New(apperr.KindBusy, "start", "カメラの開始処理が進行中です")
	}
	defer c.inflight.Store(false)

	return c.start(ctx, c.constraints(facing))
}

// Toggle はカメラの向きを反転して開始し直す
//
// 反転するのは要求した向き。許可されたデバイスの向きが不明な場合や、
// 反転後の向きのデバイスがカタログに無い場合は、カタログ上の次のデバイスを指定する。
func (c *Controller) Toggle(ctx context.Context) (*ActiveStream, error) {
	if !c.inflight.CompareAndSwap(false, true) {
		return nil, apperr.New(apperr.KindBusy, "toggle", "カメラの切り替えが進行中です")
	}
	defer c.inflight.Store(false)

	if err := c.CanToggle(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	next := c.preference.Opposite()
	last := c.device
	c.mu.Unlock()

	constraints := c.constraints(next)
	if last.ID != "" && (last.Facing == FacingUnknown || !c.catalog.hasFacing(next)) {
		if d, ok := c.catalog.nextDevice(last.ID); ok {
			constraints.DeviceID = d.ID
		}
	}
	c.logger.Info("カメラの向きを切り替えます",
		zap.String("facing", string(next)),
		zap.String("device_id", constraints.DeviceID))
	return c.start(ctx, constraints)
}

// Preference は最後に要求した向きを返す
func (c *Controller) Preference() Facing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preference
}

func (c *Controller) constraints(facing Facing) StreamConstraints {
	return StreamConstraints{
		Facing: facing,
		Width:  c.ideal.Width,
		Height: c.ideal.Height,
	}
}

// CanToggle は向きの切り替えが可能かを返す
func (c *Controller) CanToggle() error {
	if c.catalog == nil || !c.catalog.HasMultiple() {
		return apperr.New(apperr.KindInsufficientDevices, "toggle", "切り替え可能なカメラが2台以上ありません")
	}
	return nil
}

// Busy は開始・切り替え処理が進行中かを返す
func (c *Controller) Busy() bool {
	return c.inflight.Load()
}

// start は開始処理の本体（inflight 取得済み前提）
func (c *Controller) start(ctx context.Context, full StreamConstraints) (*ActiveStream, error) {
	facing := full.Facing

	// 既存ストリームを先に停止
	if err := c.Stop(); err != nil {
		c.logger.Warn("既存ストリームの停止に失敗", zap.Error(err))
	}

	c.mu.Lock()
	c.preference = facing
	c.mu.Unlock()

	stream, err := c.handle.Acquire(ctx, full)
	if err != nil && errors.Is(err, apperr.ErrConstraintUnsatisfiable) && full.HasResolution() {
		c.logger.Info("制約を満たせないため縮小制約で再試行します",
			zap.String("facing", string(facing)), zap.Error(err))
		stream, err = c.handle.Acquire(ctx, full.Minimal())
	}
	if err != nil {
		c.logger.Warn("ストリームの取得に失敗", zap.String("facing", string(facing)), zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	c.active = stream
	c.facing = stream.Facing()
	c.device = stream.Device
	c.mu.Unlock()

	return stream, nil
}

// Stop はアクティブなストリームを同期的に停止する。無ければ何もしない
func (c *Controller) Stop() error {
	c.mu.Lock()
	stream := c.active
	c.active = nil
	c.mu.Unlock()

	return c.handle.Stop(stream)
}

// Release は指定のストリームを停止する
//
// そのストリームがまだアクティブならスロットも空にする。
func (c *Controller) Release(stream *ActiveStream) error {
	if stream == nil {
		return nil
	}
	c.mu.Lock()
	if c.active == stream {
		c.active = nil
	}
	c.mu.Unlock()

	return c.handle.Stop(stream)
}

// Active は現在のストリームを返す
func (c *Controller) Active() *ActiveStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Facing は最後に許可された向きを返す
func (c *Controller) Facing() Facing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facing
}

// AliveCount は停止されていないストリーム数（0 または 1）を返す
func (c *Controller) AliveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.Stopped() {
		return 0
	}
	return 1
}

// Catalog はデバイスカタログを返す
func (c *Controller) Catalog() *Catalog {
	return c.catalog
}
