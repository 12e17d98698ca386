// Package camera カメラストリームの取得と静止画の切り出しを担う
//
// # 責務
// - カメラデバイスの列挙と向き（front/back）の分類
// - ライブストリームの取得・停止・向きの切り替え
// - 制約を満たせない場合の縮小制約での再試行
// - 現在フレームからのJPEG静止画の作成
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - カメラを起動してプレビューし、1枚撮影したい
// - 前面・背面カメラを切り替えたい
// - カメラAPIのエラーを分類済みの形で受け取りたい
//
// # 仕様
// - Catalog: 最後の列挙結果のみを保持（差分マージしない）
// - StreamHandle: 取得エラーを PermissionDenied / DeviceNotFound /
//   ConstraintUnsatisfiable / UnknownAcquisition に分類、停止は冪等
// - Controller: アクティブなストリームは常に高々1本
// - FrameGrabber: フレームと同じ寸法、品質固定のJPEG
// - Platform: mediadevices / v4l2 / mock の3実装
//
// # 前提要件
//   - mediadevices バックエンド: V4L2 カメラとvideoグループへの参加
//     sudo usermod -a -G video $USER
//   - v4l2 バックエンド: v4l-utils と ffmpeg
//     Ubuntu/Debian: sudo apt install v4l-utils ffmpeg
package camera
