// Package app は設定から各コンポーネントを組み立てる
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"satsuei/internal/camera"
	"satsuei/internal/config"
	"satsuei/internal/flow"
	"satsuei/internal/server"
	"satsuei/internal/submission"
)

// App は組み立て済みのアプリケーション
type App struct {
	Server     *server.Server
	Flow       *flow.Flow
	Controller *camera.Controller
	Platform   camera.Platform
}

// New は設定に従ってカメラ、フロー、送信クライアント、サーバーを作成する
//
// 起動時のデバイス列挙に失敗しても起動は続ける。一覧は後から再列挙できる。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	platform, err := camera.NewPlatformFactory().Create(
		camera.Backend(cfg.Camera.Backend),
		camera.PlatformConfig{FPS: cfg.Camera.FPS},
		logger.Named("camera"),
	)
	if err != nil {
		return nil, fmt.Errorf("カメラの初期化に失敗: %w", err)
	}

	catalog := camera.NewCatalog(platform, logger.Named("catalog"))
	if devices, err := catalog.Refresh(ctx); err != nil {
		logger.Warn("起動時のカメラ列挙に失敗しました", zap.Error(err))
	} else {
		logger.Info("カメラを検出しました", zap.Int("count", len(devices)))
	}

	ctrl := camera.NewController(
		camera.NewStreamHandle(platform, logger.Named("stream")),
		catalog,
		camera.Resolution{Width: cfg.Camera.IdealWidth, Height: cfg.Camera.IdealHeight},
		logger.Named("controller"),
	)
	grabber := camera.NewFrameGrabber(cfg.Camera.JPEGQuality, logger.Named("grabber"))
	client := submission.NewClient(cfg.Submission.Endpoint, cfg.Submission.Timeout, logger.Named("submission"))

	f := flow.New(ctrl, grabber, client, flow.Options{
		DefaultFacing:  camera.ParseFacing(cfg.Camera.DefaultFacing),
		MaxUploadBytes: cfg.Submission.MaxUploadBytes,
	}, logger.Named("flow"))

	srv, err := server.New(cfg, server.Dependencies{Flow: f, Controller: ctrl}, logger.Named("server"))
	if err != nil {
		f.Close()
		return nil, err
	}

	return &App{
		Server:     srv,
		Flow:       f,
		Controller: ctrl,
		Platform:   platform,
	}, nil
}

// Run はサーバーを起動し、終了するまで待つ
func (a *App) Run(ctx context.Context) error {
	return a.Server.Start(ctx)
}
