package flow

import (
	"errors"
	"time"

	"satsuei/internal/apperr"
	"satsuei/internal/camera"
	"satsuei/internal/submission"
)

// Snapshot はある時点のフロー状態を表すJSONビュー
type Snapshot struct {
	Mode       Mode                `json:"mode"`
	CameraLive bool                `json:"camera_live"`
	Facing     camera.Facing       `json:"facing,omitempty"`
	CanToggle  bool                `json:"can_toggle"`
	Image      *ImageInfo          `json:"image,omitempty"`
	Result     submission.Document `json:"result,omitempty"`
	Error      *ErrorInfo          `json:"error,omitempty"`
	Notice     *Notice             `json:"notice,omitempty"`
	Seq        uint64              `json:"seq"`
}

// ImageInfo は静止画のメタデータ
type ImageInfo struct {
	ID          string        `json:"id"`
	ContentType string        `json:"content_type"`
	Origin      camera.Origin `json:"origin"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	Size        int           `json:"size"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ErrorInfo は Failed 状態のエラー内容
type ErrorInfo struct {
	Kind      apperr.Kind `json:"kind"`
	Message   string      `json:"message"`
	RecoverTo Mode        `json:"recover_to"`
}

// Notice は状態を変えずに利用者へ伝える一時的なメッセージ
type Notice struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func newNotice(err error) *Notice {
	return &Notice{Kind: apperr.KindOf(err), Message: userMessage(err)}
}

var defaultMessages = map[apperr.Kind]string{
	apperr.KindPermissionDenied:        "カメラへのアクセスが拒否されました。設定で許可してから再試行してください",
	apperr.KindDeviceNotFound:          "カメラが見つかりません",
	apperr.KindConstraintUnsatisfiable: "カメラが要求した解像度に対応していません",
	apperr.KindUnknownAcquisition:      "カメラを起動できませんでした",
	apperr.KindSubmission:              "画像の送信に失敗しました。もう一度お試しください",
}

// userMessage は利用者向けのメッセージを取り出す
func userMessage(err error) string {
	var e *apperr.Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if msg, ok := defaultMessages[e.Kind]; ok {
		return msg
	}
	return err.Error()
}

func newImageInfo(img *camera.StillImage) *ImageInfo {
	if img == nil {
		return nil
	}
	return &ImageInfo{
		ID:          img.ID,
		ContentType: img.ContentType,
		Origin:      img.Origin,
		Width:       img.Width,
		Height:      img.Height,
		Size:        img.Size(),
		CreatedAt:   img.CreatedAt,
	}
}
