package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"satsuei/internal/camera"
	"satsuei/internal/config"
	"satsuei/internal/flow"
)

// Dependencies はサーバーが操作するコンポーネント
type Dependencies struct {
	Flow       *flow.Flow
	Controller *camera.Controller
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	httpServer *http.Server
	engine     *gin.Engine
	openapi    *openapi3.T
	hub        *Hub
	logger     *zap.Logger

	flow    *flow.Flow
	ctrl    *camera.Controller
	catalog *camera.Catalog
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if deps.Flow == nil || deps.Controller == nil {
		return nil, errors.New("フローとカメラ制御は必須です")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	doc, err := loadOpenAPI(context.Background())
	if err != nil {
		return nil, err
	}

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))
	engine.MaxMultipartMemory = cfg.Submission.MaxUploadBytes + 1<<20

	s := &Server{
		config:  cfg,
		engine:  engine,
		openapi: doc,
		hub:     NewHub(logger),
		logger:  logger,
		flow:    deps.Flow,
		ctrl:    deps.Controller,
		catalog: deps.Controller.Catalog(),
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	s.flow.AddListener(func(_, next flow.Snapshot) {
		s.hub.Broadcast(next)
	})
	s.setupRoutes()

	return s, nil
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.HealthCheck)

	api := s.engine.Group("/api")
	api.GET("/status", s.GetStatus)
	api.GET("/openapi.json", s.GetOpenAPI)

	api.GET("/devices", s.GetDevices)
	api.POST("/devices/refresh", s.RefreshDevices)

	fl := api.Group("/flow")
	fl.GET("", s.GetFlow)
	fl.POST("/camera", s.RequestCamera)
	fl.POST("/capture", s.Capture)
	fl.POST("/cancel", s.Cancel)
	fl.POST("/toggle", s.Toggle)
	fl.POST("/file", s.SelectFile)
	fl.POST("/submit", s.Submit)
	fl.POST("/reset", s.Reset)
	fl.POST("/retry", s.Retry)
	fl.GET("/image", s.GetFlowImage)
	fl.GET("/ws", s.FlowWebSocket)

	api.GET("/camera/stream", s.GetCameraStream)
}

// requestLogger はリクエストごとにアクセスログを出力する
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("HTTPリクエスト", fields...)
			return
		}
		logger.Info("HTTPリクエスト", fields...)
	}
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", s.config.ServerAddress()))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", zap.String("signal", sig.String()))
	case err := <-shutdownCh:
		s.flow.Close()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
//
// 先にフローを閉じてカメラを解放するため、MJPEG配信も終了する。
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	s.flow.Close()
	s.hub.Close()

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
