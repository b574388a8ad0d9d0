// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Corphon/AIWriter/internal/models"
	"github.com/Corphon/AIWriter/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient 订阅某部小说事件的一个连接
type wsClient struct {
	conn      *websocket.Conn
	storyID   string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	createdAt time.Time
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue 非阻塞投递，队列满返回 false
func (c *wsClient) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// StoryHub 按小说分组的事件广播中心，实现 services.EventSink
type StoryHub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
	closed  bool
	logger  *utils.Logger
}

// NewStoryHub 创建广播中心
func NewStoryHub() *StoryHub {
	return &StoryHub{
		clients: make(map[string]map[*wsClient]struct{}),
		logger:  utils.GetLogger(),
	}
}

// Publish 将写作循环事件推送给订阅了该小说的连接
func (h *StoryHub) Publish(event models.StoryEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("marshal story event failed", map[string]interface{}{"story_id": event.StoryID, "err": err.Error()})
		return
	}
	h.BroadcastToStory(event.StoryID, msg)
}

// BroadcastToStory 向指定小说的全部连接发送原始消息，慢连接直接断开
func (h *StoryHub) BroadcastToStory(storyID string, msg []byte) {
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients[storyID]))
	for c := range h.clients[storyID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(msg) {
			h.logger.Warn("websocket client too slow, dropping", map[string]interface{}{"story_id": storyID})
			h.unregister(c)
		}
	}
}

func (h *StoryHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.storyID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.clients[c.storyID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *StoryHub) unregister(c *wsClient) {
	h.mu.Lock()
	if set, ok := h.clients[c.storyID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.storyID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// ClientCount 当前连接数，storyID 为空时统计全部
func (h *StoryHub) ClientCount(storyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if storyID != "" {
		return len(h.clients[storyID])
	}
	total := 0
	for _, set := range h.clients {
		total += len(set)
	}
	return total
}

// Close 断开所有连接，之后拒绝新订阅
func (h *StoryHub) Close() {
	h.mu.Lock()
	h.closed = true
	all := h.clients
	h.clients = make(map[string]map[*wsClient]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for c := range set {
			c.close()
		}
	}
}

// ServeStory 处理 /ws/stories/:id
func (h *StoryHub) ServeStory(c *gin.Context) {
	storyID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]interface{}{"story_id": storyID, "err": err.Error()})
		return
	}

	client := &wsClient{
		conn:      conn,
		storyID:   storyID,
		send:      make(chan []byte, wsSendBuffer),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	if !h.register(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}

	welcome, _ := json.Marshal(gin.H{
		"type":      "connected",
		"story_id":  storyID,
		"timestamp": time.Now(),
	})
	client.enqueue(welcome)

	go h.writePump(client)
	h.readPump(client)
}

// readPump 只处理控制帧，连接断开时注销
func (h *StoryHub) readPump(c *wsClient) {
	defer h.unregister(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read ended", map[string]interface{}{"story_id": c.storyID, "err": err.Error()})
			}
			return
		}
	}
}

func (h *StoryHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		h.unregister(c)
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
