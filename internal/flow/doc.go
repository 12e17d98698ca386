// Package flow は撮影・ファイル選択から解析結果の表示までを管理する状態機械を提供する
//
// # 状態
//
//   - Initial: 何も選択されていない
//   - Acquiring: カメラを取得中（Live が真ならライブ表示中で撮影可能）
//   - Previewing: 静止画を確認中
//   - Submitting: 解析サーバーへ送信中
//   - Result: 解析結果を表示中
//   - Failed: カメラ取得に失敗（Retry で復帰）
//
// # 遷移
//
// 状態は Flow.Apply でのみ進む。取得と送信は非同期に実行され、完了するまでの間
// 撮影・切り替え・送信の要求は Busy で拒否される。Cancel と Reset はどの状態からでも
// ストリームを停止して Initial に戻し、遅れて届いた結果はシーケンス番号で破棄する。
//
// 検証エラーや撮影できなかった場合は状態を変えず、Snapshot の notice に
// メッセージを載せる。
package flow
