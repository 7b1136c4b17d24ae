// cmd/push-gateway/main.go
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"vigil/internal/pkg/bootstrap"
	"vigil/internal/pkg/mq"
	"vigil/internal/service/reconcile/domain"
)

const (
	consumerGroupID = "push-gateway-consumer-group"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	nodeID   = "push-gateway-" + uuid.New().String()[:8]
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool { // 简化处理，允许所有跨域
			return true
		},
	}
)

// Hub 维护所有活跃的连接。客户端按会话 ID 订阅：
// 一个页签盯着一笔支付的倒计时和轮询进度。
type Hub struct {
	clients    map[string]*Client // 使用 SessionID 作为 Key
	register   chan *Client
	unregister chan *Client
	lock       sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.lock.Lock()
			if old, ok := h.clients[client.sessionID]; ok {
				close(old.send)
			}
			h.clients[client.sessionID] = client
			h.lock.Unlock()
			log.Printf("Client for session %s registered on node %s", client.sessionID, nodeID)
		case client := <-h.unregister:
			h.lock.Lock()
			if cur, ok := h.clients[client.sessionID]; ok && cur == client {
				delete(h.clients, client.sessionID)
				close(client.send)
			}
			h.lock.Unlock()
			log.Printf("Client for session %s unregistered.", client.sessionID)
		}
	}
}

// push 把一条事件投递给对应会话的客户端，没人订阅就丢弃。
func (h *Hub) push(sessionID string, payload []byte) {
	h.lock.RLock()
	client, ok := h.clients[sessionID]
	h.lock.RUnlock()
	if !ok {
		return
	}
	select {
	case client.send <- payload:
	default:
		// 写缓冲满，视为僵死连接
		h.unregister <- client
	}
}

// Client 是一个WebSocket连接的代表
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// 客户端不该发业务消息，读循环只消费心跳
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 256), sessionID: sessionID}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// consumeEvents 订阅事件总线，把会话事件按 sessionId 路由给在线客户端。
func consumeEvents(ctx context.Context, reader *kafka.Reader, hub *Hub) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("ERROR: could not read session event: %v. Retrying...", err)
			time.Sleep(5 * time.Second)
			continue
		}

		var event domain.SessionEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			log.Printf("WARN: dropping malformed session event: %v", err)
			continue
		}
		hub.push(event.SessionID, msg.Value)
	}
}

func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	hub := newHub()
	go hub.run()

	reader := mq.NewKafkaReader(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.EventsTopic, consumerGroupID)
	defer reader.Close()
	go consumeEvents(context.Background(), reader, hub)

	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, w, r)
	})

	log.Printf("Push Gateway (%s) started on :8088", nodeID)
	if err := http.ListenAndServe(":8088", nil); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}
