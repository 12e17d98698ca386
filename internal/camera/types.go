package camera

import (
	"context"
	"image"
	"strings"
	"time"
)

// Facing はカメラの向きを表す
type Facing string

const (
	FacingFront   Facing = "front"   // 利用者側（インカメラ）
	FacingBack    Facing = "back"    // 環境側（アウトカメラ）
	FacingUnknown Facing = "unknown" // プラットフォームが報告しない
)

// Opposite は反対の向きを返す。不明な場合は front を返す
func (f Facing) Opposite() Facing {
	if f == FacingFront {
		return FacingBack
	}
	return FacingFront
}

// ParseFacing は文字列から向きを解釈する
func ParseFacing(s string) Facing {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "front", "user":
		return FacingFront
	case "back", "rear", "environment":
		return FacingBack
	default:
		return FacingUnknown
	}
}

// CaptureDevice は列挙されたカメラデバイス
type CaptureDevice struct {
	ID     string `json:"id"`     // 不透明な識別子
	Label  string `json:"label"`  // 表示名
	Facing Facing `json:"facing"` // 向きのヒント
}

// StreamConstraints はストリーム取得時の制約
type StreamConstraints struct {
	Facing   Facing // 希望する向き
	DeviceID string // 指定する場合のデバイスID（空なら向きで選ぶ）
	Width    int    // 希望する幅（0なら指定なし）
	Height   int    // 希望する高さ（0なら指定なし）
}

// Minimal は解像度指定を外した縮小制約を返す
func (c StreamConstraints) Minimal() StreamConstraints {
	return StreamConstraints{Facing: c.Facing, DeviceID: c.DeviceID}
}

// HasResolution は解像度指定があるかを返す
func (c StreamConstraints) HasResolution() bool {
	return c.Width > 0 || c.Height > 0
}

// Origin は静止画の取得元
type Origin string

const (
	OriginCamera Origin = "camera"
	OriginFile   Origin = "file"
)

// StillImage は撮影またはファイル選択で得た不変の静止画
type StillImage struct {
	ID          string
	Data        []byte
	ContentType string
	Origin      Origin
	Width       int
	Height      int
	CreatedAt   time.Time
}

// Size は画像データのバイト数を返す
func (s *StillImage) Size() int {
	return len(s.Data)
}

// Track は取得したストリームを構成するメディアトラック
type Track interface {
	// ID はトラックの識別子を返す
	ID() string

	// Stop はトラックを停止する。停止済みでもエラーにしない
	Stop() error
}

// RawStream はプラットフォームが返す生のストリーム
type RawStream interface {
	// Tracks はストリームのトラック一覧を返す
	Tracks() []Track

	// LatestFrame は最新フレームを返す。まだ届いていなければ false
	LatestFrame() (image.Image, bool)

	// Device は実際に使用されたデバイスを返す
	Device() CaptureDevice
}

// Platform はカメラAPI（デバイス列挙とストリーム取得）を抽象化する
//
// 実装はエラーを必ず apperr の Kind に分類して返す。
type Platform interface {
	// EnumerateDevices は利用可能なカメラをプラットフォームの順序で返す
	EnumerateDevices(ctx context.Context) ([]CaptureDevice, error)

	// GetStream は制約に従ってストリームを取得する
	GetStream(ctx context.Context, constraints StreamConstraints) (RawStream, error)
}

// facingFromLabel はラベルから向きを推定する
func facingFromLabel(label string) Facing {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "front"), strings.Contains(l, "user"), strings.Contains(l, "facetime"):
		return FacingFront
	case strings.Contains(l, "back"), strings.Contains(l, "rear"), strings.Contains(l, "environment"), strings.Contains(l, "world"):
		return FacingBack
	default:
		return FacingUnknown
	}
}

// selectDevice は制約に合うデバイスを選ぶ
//
// DeviceID 指定が最優先、次に向きが一致する最初のデバイス、
// どれも一致しなければ先頭のデバイスで代替する。
func selectDevice(devices []CaptureDevice, c StreamConstraints) (CaptureDevice, bool) {
	if len(devices) == 0 {
		return CaptureDevice{}, false
	}
	if c.DeviceID != "" {
		for _, d := range devices {
			if d.ID == c.DeviceID {
				return d, true
			}
		}
		return CaptureDevice{}, false
	}
	if c.Facing != "" && c.Facing != FacingUnknown {
		for _, d := range devices {
			if d.Facing == c.Facing {
				return d, true
			}
		}
	}
	return devices[0], true
}
