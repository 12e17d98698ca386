package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ConfigPathEnv は設定ファイルのパスを指定する環境変数
const ConfigPathEnv = "SATSUEI_CONFIG"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Camera     CameraConfig     `yaml:"camera"`
	Submission SubmissionConfig `yaml:"submission"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" validate:"required"`                 // リッスンするホスト
	Port int    `yaml:"port" validate:"min=1,max=65535"`          // リッスンするポート番号
	Mode string `yaml:"mode" validate:"oneof=debug release test"` // ginの動作モード

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`    // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`   // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"` // 終了待ちタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend       string `yaml:"backend" validate:"oneof=mediadevices v4l2 mock"` // カメラAPIの実装
	DefaultFacing string `yaml:"default_facing" validate:"oneof=front back"`      // 既定の向き
	IdealWidth    int    `yaml:"ideal_width" validate:"gte=0"`                    // 希望する幅
	IdealHeight   int    `yaml:"ideal_height" validate:"gte=0"`                   // 希望する高さ
	FPS           int    `yaml:"fps" validate:"min=1,max=60"`                     // ライブ映像のフレームレート
	JPEGQuality   int    `yaml:"jpeg_quality" validate:"min=1,max=100"`           // 静止画のJPEG品質
}

// SubmissionConfig は解析サーバーへの送信設定
type SubmissionConfig struct {
	Endpoint       string        `yaml:"endpoint" validate:"required,url"` // 送信先URL
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`          // 送信タイムアウト
	MaxUploadBytes int64         `yaml:"max_upload_bytes" validate:"gt=0"` // ファイル選択の最大サイズ
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"` // ログレベル
	Format string `yaml:"format" validate:"oneof=json console"`         // 出力形式
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Mode:            "release",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 10 * time.Second,
		},
		Camera: CameraConfig{
			Backend:       "mediadevices",
			DefaultFacing: "back",
			IdealWidth:    1280,
			IdealHeight:   720,
			FPS:           15,
			JPEGQuality:   95,
		},
		Submission: SubmissionConfig{
			Endpoint:       "http://localhost:3001/api/analyze",
			Timeout:        30 * time.Second,
			MaxUploadBytes: 10 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load は設定を読み込む
//
// デフォルト値、SATSUEI_CONFIG で指定したYAMLファイル、環境変数の順に上書きし、
// 最後に検証する。
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigPathEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile はYAMLファイルの値で上書きする
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}
	return nil
}

// applyEnv は環境変数の値で上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Server.Mode = getEnvOrDefault("GIN_MODE", c.Server.Mode)
	c.Camera.Backend = getEnvOrDefault("CAMERA_BACKEND", c.Camera.Backend)
	c.Submission.Endpoint = getEnvOrDefault("ANALYZE_ENDPOINT", c.Submission.Endpoint)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s が不正です（%s=%s, 値: %v）", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
