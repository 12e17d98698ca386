package server

import (
	"time"

	"satsuei/internal/camera"
	"satsuei/internal/flow"
)

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status             string     `json:"status"`
	Server             ServerInfo `json:"server"`
	Camera             CameraInfo `json:"camera"`
	Flow               flow.Mode  `json:"flow"`
	SubmissionEndpoint string     `json:"submission_endpoint"`
	Timestamp          time.Time  `json:"timestamp"`
}

// ServerInfo はサーバーの情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// CameraInfo はカメラの情報
type CameraInfo struct {
	Backend   string `json:"backend"`
	Devices   int    `json:"devices"`
	Streaming bool   `json:"streaming"`
}

// DevicesResponse はカメラ一覧の応答
type DevicesResponse struct {
	Devices   []camera.CaptureDevice `json:"devices"`
	CanToggle bool                   `json:"can_toggle"`
}

// CameraRequest はカメラ起動の要求
type CameraRequest struct {
	Facing string `json:"facing" binding:"omitempty,oneof=front back user environment"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   *string        `json:"details,omitempty"`
	Flow      *flow.Snapshot `json:"flow,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// stringPtr は文字列のポインタを返すヘルパー関数
func stringPtr(s string) *string {
	return &s
}
