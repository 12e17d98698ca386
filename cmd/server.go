// Package main はsatsueiサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"satsuei/internal/app"
	"satsuei/internal/camera"
	"satsuei/internal/config"
	"satsuei/internal/logging"
)

func main() {
	// コマンドラインオプション
	var (
		host     = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port     = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		backend  = flag.String("backend", "", "カメラバックエンド (mediadevices, v4l2, mock)")
		endpoint = flag.String("endpoint", "", "解析サーバーのURL")
		help     = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("satsuei")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Printf("利用できるカメラバックエンド: %v\n", camera.NewPlatformFactory().Supported())
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *backend != "" {
		cfg.Camera.Backend = *backend
	}
	if *endpoint != "" {
		cfg.Submission.Endpoint = *endpoint
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が正しくありません: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("アプリケーションの作成に失敗しました", zap.Error(err))
	}

	// サーバーを起動
	logger.Info("satsuei サーバーを起動します",
		zap.String("addr", cfg.ServerAddress()),
		zap.String("backend", cfg.Camera.Backend),
		zap.String("endpoint", cfg.Submission.Endpoint))
	if err := a.Run(ctx); err != nil {
		logger.Fatal("サーバーの起動に失敗しました", zap.Error(err))
	}
}
