// Package apperr は撮影フロー全体で使う閉じたエラー分類を提供する
//
// カメラAPIや送信先など外部境界で発生したエラーは、境界側の変換層で
// 必ずここで定義する Kind に分類される。コア側はプラットフォーム固有の
// エラー文字列を検査しない。
package apperr

import (
	"errors"
	"fmt"
)

// Kind はエラーの種類を表す
type Kind int

const (
	KindUnknown                 Kind = iota // 分類不能
	KindPermissionDenied                    // カメラへのアクセスが拒否された
	KindDeviceNotFound                      // 対象デバイスが存在しない
	KindConstraintUnsatisfiable             // 要求した制約を満たせない
	KindUnknownAcquisition                  // その他の取得失敗
	KindDeviceEnumeration                   // デバイス列挙の失敗
	KindFrameUnavailable                    // フレームがまだ届いていない
	KindValidation                          // 入力ファイルの検証エラー
	KindSubmission                          // 解析サーバーへの送信失敗
	KindBusy                                // 別の処理が進行中
	KindInsufficientDevices                 // 切り替えに必要なカメラが足りない
	KindInvalidTransition                   // 現在の状態では受け付けないイベント
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown",
	KindPermissionDenied:        "permission_denied",
	KindDeviceNotFound:          "device_not_found",
	KindConstraintUnsatisfiable: "constraint_unsatisfiable",
	KindUnknownAcquisition:      "unknown_acquisition",
	KindDeviceEnumeration:       "device_enumeration",
	KindFrameUnavailable:        "frame_unavailable",
	KindValidation:              "validation",
	KindSubmission:              "submission",
	KindBusy:                    "busy",
	KindInsufficientDevices:     "insufficient_devices",
	KindInvalidTransition:       "invalid_transition",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText はJSON出力用に種類名を返す
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText は種類名から Kind を復元する。未知の名前は KindUnknown になる
func (k *Kind) UnmarshalText(text []byte) error {
	name := string(text)
	for kind, n := range kindNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	*k = KindUnknown
	return nil
}

// Error は分類済みのエラー
type Error struct {
	Kind    Kind   // エラーの種類
	Op      string // 失敗した操作名
	Reason  string // 種類内の細分類（例: 送信失敗の network / timeout）
	Message string // 利用者向けメッセージ
	Err     error  // 元のエラー
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is は種類が一致すれば同じエラーとみなす
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// 種類比較用の番兵
var (
	ErrPermissionDenied        = &Error{Kind: KindPermissionDenied}
	ErrDeviceNotFound          = &Error{Kind: KindDeviceNotFound}
	ErrConstraintUnsatisfiable = &Error{Kind: KindConstraintUnsatisfiable}
	ErrUnknownAcquisition      = &Error{Kind: KindUnknownAcquisition}
	ErrDeviceEnumeration       = &Error{Kind: KindDeviceEnumeration}
	ErrFrameUnavailable        = &Error{Kind: KindFrameUnavailable}
	ErrValidation              = &Error{Kind: KindValidation}
	ErrSubmission              = &Error{Kind: KindSubmission}
	ErrBusy                    = &Error{Kind: KindBusy}
	ErrInsufficientDevices     = &Error{Kind: KindInsufficientDevices}
	ErrInvalidTransition       = &Error{Kind: KindInvalidTransition}
)

// New は新しい分類済みエラーを作成する
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap は元のエラーを保持したまま分類する
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf はエラーチェーンから種類を取り出す
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind はエラーチェーンに指定の種類が含まれるかを返す
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// As はエラーチェーンから *Error を取り出す
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
