package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"satsuei/internal/flow"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 16
)

// FlowMessage はWebSocketで送るメッセージ
type FlowMessage struct {
	Type string        `json:"type"`
	Flow flow.Snapshot `json:"flow"`
}

// Hub はフロー状態の変化をWebSocketクライアントへ配信する
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// NewHub は新しいHubを作成する
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast はスナップショットを全クライアントへ送る
//
// 遷移処理中に呼ばれるためブロックしない。送信待ちが溢れたクライアントは切断する。
func (h *Hub) Broadcast(snap flow.Snapshot) {
	data, err := encodeFlowMessage(snap)
	if err != nil {
		h.logger.Warn("スナップショットのエンコードに失敗", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("WebSocketクライアントの送信が滞っているため切断します")
			delete(h.clients, c)
			c.close()
		}
	}
}

// Count は接続中のクライアント数を返す
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close は全クライアントを切断し、以降の接続を受け付けない
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// Serve はWebSocket接続を確立し、現在のスナップショットを送ってから配信を始める
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, current flow.Snapshot) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocketへの切り替えに失敗", zap.Error(err))
		return
	}
	h.logger.Info("WebSocket接続を確立しました", zap.String("remote", r.RemoteAddr))

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	if data, err := encodeFlowMessage(current); err == nil {
		client.send <- data
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)

	// 切断を検知するまで読み捨てる
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
	h.logger.Info("WebSocket接続を閉じました", zap.String("remote", r.RemoteAddr))
}

func (h *Hub) writeLoop(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("WebSocketへの書き込みに失敗", zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteTimeout))
}

func encodeFlowMessage(snap flow.Snapshot) ([]byte, error) {
	return json.Marshal(FlowMessage{Type: "flow", Flow: snap})
}
