// Package server は、撮影フローをHTTPで操作するためのサーバーを提供します。
//
// 画面の代わりにHTTP APIでフローへイベントを送り、状態の変化を
// WebSocketで、ライブ映像をMJPEGで配信します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - フローのイベントとエラーをHTTPの要求と応答に対応付ける
//   - 選択した静止画と縮小画像の配信
//   - 状態変化のWebSocket配信
//   - ライブ映像のMJPEG配信
//
// 仕様:
//   - ルーティングはgin、API定義はopenapi.yamlを埋め込んでkin-openapiで検証
//   - WebSocketはgorilla/websocketを使用
//   - シャットダウン時は先にフローを閉じてカメラを解放する
package server
