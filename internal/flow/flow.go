package flow

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"satsuei/internal/apperr"
	"satsuei/internal/camera"
	"satsuei/internal/submission"
)

// Submitter は静止画を解析サーバーへ送信する
type Submitter interface {
	Submit(ctx context.Context, img *camera.StillImage) (submission.Document, error)
}

// Listener は状態が変わるたびに遷移前後のスナップショットを受け取る
//
// 遷移処理中に同期的に呼ばれるため、Listener から Apply を呼んではならない。
type Listener func(prev, next Snapshot)

// Options はフローの動作設定
type Options struct {
	DefaultFacing  camera.Facing // RequestCamera で向きが未指定の場合の向き
	MaxUploadBytes int64         // ファイル選択の最大サイズ
}

// Flow は撮影から解析結果表示までの状態機械
//
// 状態は Apply でのみ進む。遷移は常に1つずつ実行され、実行中に届いた
// 別のイベントは Busy で拒否される（Cancel と Reset のみ待機して実行する）。
// カメラ取得と送信は別ゴルーチンで実行し、完了はシーケンス番号付きの
// 内部イベントとして戻ってくる。番号が古い完了は状態を変えない。
type Flow struct {
	ctrl      *camera.Controller
	grabber   *camera.FrameGrabber
	submitter Submitter
	opts      Options
	logger    *zap.Logger

	transition sync.Mutex

	mu        sync.RWMutex
	state     State
	notice    *Notice
	seq       uint64
	cancel    context.CancelFunc
	listeners []Listener

	wg sync.WaitGroup
}

// New は新しいFlowを作成する
func New(ctrl *camera.Controller, grabber *camera.FrameGrabber, submitter Submitter, opts Options, logger *zap.Logger) *Flow {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultFacing == "" || opts.DefaultFacing == camera.FacingUnknown {
		opts.DefaultFacing = camera.FacingBack
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Flow{
		ctrl:      ctrl,
		grabber:   grabber,
		submitter: submitter,
		opts:      opts,
		logger:    logger,
		state:     Initial{},
	}
}

// AddListener は状態遷移の通知先を追加する
func (f *Flow) AddListener(l Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

// State は現在の状態を返す
func (f *Flow) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Image は現在の状態が保持する静止画を返す。無ければ nil
func (f *Flow) Image() *camera.StillImage {
	return imageOf(f.State())
}

// Snapshot は現在の状態のJSONビューを返す
func (f *Flow) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshotLocked()
}

// Apply はイベントを1つ適用して遷移後のスナップショットを返す
//
// 状態を変えずに拒否した場合もその時点のスナップショットとエラーを返す。
func (f *Flow) Apply(ctx context.Context, ev Event) (Snapshot, error) {
	if ev == nil {
		return f.Snapshot(), apperr.New(apperr.KindInvalidTransition, "apply", "イベントが指定されていません")
	}
	if err := ctx.Err(); err != nil {
		return f.Snapshot(), err
	}

	switch ev.(type) {
	case Cancel, Reset:
		f.transition.Lock()
	default:
		if !f.transition.TryLock() {
			return f.Snapshot(), busyError(ev)
		}
	}
	defer f.transition.Unlock()

	return f.apply(ev)
}

// Close は画面から離れた場合の後始末を行う
//
// ストリームを停止し、進行中の処理を取り消して Initial に戻したうえで、
// 実行中のゴルーチンの終了を待つ。
func (f *Flow) Close() {
	f.transition.Lock()
	f.abort("close")
	f.transition.Unlock()

	f.wg.Wait()
}

func (f *Flow) apply(ev Event) (Snapshot, error) {
	current := f.State()

	switch e := ev.(type) {
	case acquisitionDone:
		return f.onAcquisitionDone(current, e), nil
	case submissionDone:
		return f.onSubmissionDone(current, e), nil
	case Cancel, Reset:
		return f.abort(ev.Name()), nil
	}

	if pending(current) {
		return f.Snapshot(), busyError(ev)
	}

	switch e := ev.(type) {
	case RequestCamera:
		if _, ok := current.(Initial); ok {
			return f.requestCamera(e.Facing), nil
		}
	case SelectFile:
		if _, ok := current.(Initial); ok {
			return f.selectFile(e)
		}
	case Capture:
		if st, ok := current.(Acquiring); ok {
			return f.capture(st)
		}
	case Toggle:
		if st, ok := current.(Acquiring); ok {
			return f.toggle(st)
		}
	case Submit:
		if st, ok := current.(Previewing); ok {
			return f.submit(st.Image), nil
		}
	case Retry:
		if st, ok := current.(Failed); ok {
			return f.commit(st.RecoverTo, nil), nil
		}
	}
	return f.Snapshot(), invalidTransition(current, ev)
}

func (f *Flow) requestCamera(facing camera.Facing) Snapshot {
	if facing == "" || facing == camera.FacingUnknown {
		facing = f.opts.DefaultFacing
	}

	ctx, seq := f.beginAsync()
	snap := f.commit(Acquiring{Facing: facing}, nil)

	f.goAsync(func() {
		stream, err := f.ctrl.Start(ctx, facing)
		f.deliver(acquisitionDone{seq: seq, stream: stream, err: err})
	})
	return snap
}

func (f *Flow) toggle(st Acquiring) (Snapshot, error) {
	if err := f.ctrl.CanToggle(); err != nil {
		return f.commit(st, newNotice(err)), err
	}

	ctx, seq := f.beginAsync()
	snap := f.commit(Acquiring{Facing: f.ctrl.Preference().Opposite()}, nil)

	f.goAsync(func() {
		stream, err := f.ctrl.Toggle(ctx)
		f.deliver(acquisitionDone{seq: seq, stream: stream, err: err})
	})
	return snap, nil
}

func (f *Flow) onAcquisitionDone(current State, e acquisitionDone) Snapshot {
	st, ok := current.(Acquiring)
	if !ok || st.Live || e.seq != f.currentSeq() {
		if e.stream != nil {
			if err := f.ctrl.Release(e.stream); err != nil {
				f.logger.Warn("古いストリームの停止に失敗", zap.String("stream_id", e.stream.ID), zap.Error(err))
			}
		}
		f.logger.Debug("古いカメラ取得結果を破棄しました", zap.Uint64("seq", e.seq))
		return f.Snapshot()
	}
	f.finishAsync()

	if e.err != nil {
		// 途中まで取得されたストリームを残さない
		if err := f.ctrl.Stop(); err != nil {
			f.logger.Warn("ストリームの停止に失敗", zap.Error(err))
		}
		f.logger.Warn("カメラの取得に失敗", zap.Error(e.err))
		return f.commit(Failed{Err: e.err, RecoverTo: Initial{}}, nil)
	}
	return f.commit(Acquiring{Live: true, Facing: e.stream.Facing()}, nil)
}

func (f *Flow) capture(st Acquiring) (Snapshot, error) {
	stream := f.ctrl.Active()
	img, err := f.grabber.Snapshot(stream)
	if err != nil {
		return f.commit(st, newNotice(err)), err
	}

	if err := f.ctrl.Release(stream); err != nil {
		f.logger.Warn("撮影後のストリーム停止に失敗", zap.Error(err))
	}
	return f.commit(Previewing{Image: img}, nil), nil
}

func (f *Flow) selectFile(e SelectFile) (Snapshot, error) {
	if err := ValidateFile(e.ContentType, e.Data, f.opts.MaxUploadBytes); err != nil {
		f.logger.Info("ファイルを受け付けませんでした", zap.String("name", e.FileName), zap.Error(err))
		return f.commit(Initial{}, newNotice(err)), err
	}

	if detected, ok := SniffImage(e.Data); !ok {
		f.logger.Warn("申告と異なり内容が画像と判定できません",
			zap.String("name", e.FileName),
			zap.String("declared", e.ContentType),
			zap.String("detected", detected))
	}

	img := camera.NewFileImage(e.Data, e.ContentType)
	f.logger.Info("ファイルを選択しました",
		zap.String("name", e.FileName),
		zap.String("image_id", img.ID),
		zap.Int("size", img.Size()))
	return f.commit(Previewing{Image: img}, nil), nil
}

func (f *Flow) submit(img *camera.StillImage) Snapshot {
	ctx, seq := f.beginAsync()
	snap := f.commit(Submitting{Image: img}, nil)

	f.goAsync(func() {
		doc, err := f.submitter.Submit(ctx, img)
		f.deliver(submissionDone{seq: seq, doc: doc, err: err})
	})
	return snap
}

func (f *Flow) onSubmissionDone(current State, e submissionDone) Snapshot {
	st, ok := current.(Submitting)
	if !ok || e.seq != f.currentSeq() {
		f.logger.Debug("古い送信結果を破棄しました", zap.Uint64("seq", e.seq))
		return f.Snapshot()
	}
	f.finishAsync()

	if e.err != nil {
		f.logger.Warn("送信に失敗しました", zap.String("image_id", st.Image.ID), zap.Error(e.err))
		return f.commit(Previewing{Image: st.Image}, newNotice(e.err))
	}
	f.logger.Info("解析結果を受信しました", zap.String("image_id", st.Image.ID), zap.Int("size", len(e.doc)))
	return f.commit(Result{Image: st.Image, Document: e.doc}, nil)
}

// abort はストリームと進行中の処理を止めて Initial に戻す
func (f *Flow) abort(reason string) Snapshot {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.seq++
	f.mu.Unlock()

	if err := f.ctrl.Stop(); err != nil {
		f.logger.Warn("ストリームの停止に失敗", zap.String("reason", reason), zap.Error(err))
	}
	return f.commit(Initial{}, nil)
}

// deliver は非同期処理の完了を内部イベントとして適用する
func (f *Flow) deliver(ev Event) {
	f.transition.Lock()
	defer f.transition.Unlock()

	if _, err := f.apply(ev); err != nil {
		f.logger.Warn("完了イベントの適用に失敗", zap.String("event", ev.Name()), zap.Error(err))
	}
}

// beginAsync は進行中の処理を取り消し、新しいシーケンス番号とコンテキストを払い出す
func (f *Flow) beginAsync() (context.Context, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.seq++
	return ctx, f.seq
}

func (f *Flow) finishAsync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

func (f *Flow) currentSeq() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.seq
}

func (f *Flow) goAsync(fn func()) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error("非同期処理でpanicが発生しました", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		fn()
	}()
}

// commit は状態と通知を置き換え、Listener に知らせる
func (f *Flow) commit(next State, notice *Notice) Snapshot {
	f.mu.Lock()
	prev := f.snapshotLocked()
	f.state = next
	f.notice = notice
	snap := f.snapshotLocked()
	listeners := make([]Listener, len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	if prev.Mode != snap.Mode || prev.CameraLive != snap.CameraLive {
		f.logger.Info("状態が遷移しました",
			zap.String("from", string(prev.Mode)),
			zap.String("to", string(snap.Mode)),
			zap.Bool("camera_live", snap.CameraLive),
			zap.Uint64("seq", snap.Seq))
	}
	for _, l := range listeners {
		l(prev, snap)
	}
	return snap
}

func (f *Flow) snapshotLocked() Snapshot {
	snap := Snapshot{
		Mode:      f.state.Mode(),
		CanToggle: f.ctrl.CanToggle() == nil,
		Image:     newImageInfo(imageOf(f.state)),
		Notice:    f.notice,
		Seq:       f.seq,
	}
	switch st := f.state.(type) {
	case Acquiring:
		snap.CameraLive = st.Live
		snap.Facing = st.Facing
	case Result:
		snap.Result = st.Document
	case Failed:
		snap.Error = &ErrorInfo{
			Kind:      apperr.KindOf(st.Err),
			Message:   userMessage(st.Err),
			RecoverTo: st.RecoverTo.Mode(),
		}
	}
	return snap
}

func busyError(ev Event) error {
	return apperr.New(apperr.KindBusy, ev.Name(), "処理中のため受け付けできません")
}

func invalidTransition(current State, ev Event) error {
	return apperr.New(apperr.KindInvalidTransition, ev.Name(),
		fmt.Sprintf("状態 %s では %s を受け付けません", current.Mode(), ev.Name()))
}
