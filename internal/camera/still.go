package camera

import (
	"bytes"
	"image"
	_ "image/gif"  // DecodeConfig 用
	_ "image/jpeg" // DecodeConfig 用
	_ "image/png"  // DecodeConfig 用
	"time"

	"github.com/google/uuid"
)

// NewFileImage はファイル選択で得たデータから静止画を作成する
//
// データはコピーして保持する。寸法が読めない形式でもエラーにはしない。
func NewFileImage(data []byte, contentType string) *StillImage {
	buf := make([]byte, len(data))
	copy(buf, data)

	img := &StillImage{
		ID:          uuid.New().String(),
		Data:        buf,
		ContentType: contentType,
		Origin:      OriginFile,
		CreatedAt:   time.Now(),
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(buf)); err == nil {
		img.Width = cfg.Width
		img.Height = cfg.Height
	}
	return img
}
