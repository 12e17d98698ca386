package flow

import (
	"satsuei/internal/camera"
	"satsuei/internal/submission"
)

// Mode は状態の種類を表す
type Mode string

const (
	ModeInitial    Mode = "initial"
	ModeAcquiring  Mode = "acquiring"
	ModePreviewing Mode = "previewing"
	ModeSubmitting Mode = "submitting"
	ModeResult     Mode = "result"
	ModeFailed     Mode = "failed"
)

// State はフローの状態。以下の型のいずれか1つだけを取る
type State interface {
	Mode() Mode
	sealed()
}

// Initial は何も選択されていない状態
type Initial struct{}

// Acquiring はカメラを取得中、または Live が真ならライブ表示中の状態
type Acquiring struct {
	Live   bool          // ストリーム取得済みで撮影可能
	Facing camera.Facing // 要求中または許可された向き
}

// Previewing は静止画を確認している状態
type Previewing struct {
	Image *camera.StillImage
}

// Submitting は静止画を解析サーバーへ送信中の状態
type Submitting struct {
	Image *camera.StillImage
}

// Result は解析結果を表示している状態
type Result struct {
	Image    *camera.StillImage
	Document submission.Document
}

// Failed はカメラ取得に失敗した状態。Retry で RecoverTo に戻る
type Failed struct {
	Err       error
	RecoverTo State
}

func (Initial) Mode() Mode    { return ModeInitial }
func (Acquiring) Mode() Mode  { return ModeAcquiring }
func (Previewing) Mode() Mode { return ModePreviewing }
func (Submitting) Mode() Mode { return ModeSubmitting }
func (Result) Mode() Mode     { return ModeResult }
func (Failed) Mode() Mode     { return ModeFailed }

func (Initial) sealed()    {}
func (Acquiring) sealed()  {}
func (Previewing) sealed() {}
func (Submitting) sealed() {}
func (Result) sealed()     {}
func (Failed) sealed()     {}

// pending は非同期処理の完了待ちかを返す
func pending(s State) bool {
	switch st := s.(type) {
	case Acquiring:
		return !st.Live
	case Submitting:
		return true
	}
	return false
}

// imageOf は状態が保持する静止画を返す
func imageOf(s State) *camera.StillImage {
	switch st := s.(type) {
	case Previewing:
		return st.Image
	case Submitting:
		return st.Image
	case Result:
		return st.Image
	}
	return nil
}
