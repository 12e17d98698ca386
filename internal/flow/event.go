package flow

import (
	"satsuei/internal/camera"
	"satsuei/internal/submission"
)

// Event はフローに渡すイベント
type Event interface {
	Name() string
}

// RequestCamera はカメラの起動を要求する
type RequestCamera struct {
	Facing camera.Facing
}

// SelectFile はファイルから画像を選択する
type SelectFile struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Capture はライブ映像から撮影する
type Capture struct{}

// Cancel はカメラや進行中の処理を取り消して最初に戻る
type Cancel struct{}

// Toggle はカメラの向きを切り替える
type Toggle struct{}

// Submit は静止画を解析サーバーへ送信する
type Submit struct{}

// Reset は画像や結果を破棄して最初に戻る
type Reset struct{}

// Retry は失敗状態から復帰する
type Retry struct{}

func (RequestCamera) Name() string { return "request_camera" }
func (SelectFile) Name() string    { return "select_file" }
func (Capture) Name() string       { return "capture" }
func (Cancel) Name() string        { return "cancel" }
func (Toggle) Name() string        { return "toggle" }
func (Submit) Name() string        { return "submit" }
func (Reset) Name() string         { return "reset" }
func (Retry) Name() string         { return "retry" }

// 非同期処理の完了通知。seq が現在値と異なれば破棄される
type (
	acquisitionDone struct {
		seq    uint64
		stream *camera.ActiveStream
		err    error
	}
	submissionDone struct {
		seq uint64
		doc submission.Document
		err error
	}
)

func (acquisitionDone) Name() string { return "acquisition_done" }
func (submissionDone) Name() string  { return "submission_done" }
