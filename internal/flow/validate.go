package flow

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"satsuei/internal/apperr"
)

// DefaultMaxUploadBytes はファイル選択で受け付ける最大サイズ
const DefaultMaxUploadBytes = 10 << 20

// ValidateFile は選択されたファイルが画像かを検証する
//
// 申告された Content-Type が image/* であれば受け付ける。
// 内容から判定した形式は SniffImage で別途確認する。
func ValidateFile(contentType string, data []byte, maxBytes int64) error {
	const op = "select_file"

	declared, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(declared, "image/") {
		return apperr.New(apperr.KindValidation, op,
			fmt.Sprintf("画像ファイルを選択してください（%s）", contentType))
	}
	if len(data) == 0 {
		return apperr.New(apperr.KindValidation, op, "ファイルが空です")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return apperr.New(apperr.KindValidation, op,
			fmt.Sprintf("ファイルサイズが上限（%dバイト）を超えています", maxBytes))
	}
	return nil
}

// SniffImage は内容から判定した形式と、それが画像かを返す
func SniffImage(data []byte) (string, bool) {
	detected := mimetype.Detect(data).String()
	return detected, strings.HasPrefix(detected, "image/")
}
