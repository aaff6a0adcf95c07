// Package ws отдаёт фронтенду real-time события моста: исполненные
// сделки, вердикты health проверок и смены статусов ботов.
package ws

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var wsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ============ Типизированные сообщения ============

// TradeMessage - исполненная сделка бота
type TradeMessage struct {
	Type   string      `json:"type"`
	BotID  int64       `json:"bot_id"`
	Data   interface{} `json:"data"`
	SentAt time.Time   `json:"sent_at"`
}

// HealthMessage - вердикт проверки здоровья
type HealthMessage struct {
	Type         string    `json:"type"`
	BotID        int64     `json:"bot_id"`
	HealthStatus string    `json:"health_status"`
	Reason       string    `json:"reason"`
	SentAt       time.Time `json:"sent_at"`
}

// BotStatusMessage - смена статуса бота
type BotStatusMessage struct {
	Type      string    `json:"type"`
	BotID     int64     `json:"bot_id"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	SentAt    time.Time `json:"sent_at"`
}

// Hub управляет всеми активными WebSocket соединениями.
//
// Центральный менеджер broadcast сообщений: дашборд получает события
// без polling. Потокобезопасен; медленные клиенты, не успевающие
// вычитывать свой буфер, отключаются.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger

	mu sync.RWMutex
}

// NewHub создает новый Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run запускает главный цикл Hub.
// Должен запускаться в отдельной горутине: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", zap.Int("total", total))

		case message := <-h.broadcast:
			// Список клиентов копируется под коротким RLock,
			// отправка идёт без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
				h.logger.Warn("removed slow ws clients", zap.Int("count", len(toRemove)))
			}
		}
	}
}

// Broadcast сериализует и отправляет сообщение всем клиентам
func (h *Hub) Broadcast(message interface{}) {
	data, err := wsJSON.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		// Broadcast буфер переполнен: событие теряется, клиенты
		// восстановят состояние следующим REST запросом
		h.logger.Warn("broadcast buffer full, dropping message")
	}
}

// BroadcastTrade отправляет событие исполненной сделки
func (h *Hub) BroadcastTrade(botID int64, trade interface{}) {
	h.Broadcast(&TradeMessage{
		Type:   "trade",
		BotID:  botID,
		Data:   trade,
		SentAt: time.Now(),
	})
}

// BroadcastHealth отправляет вердикт проверки здоровья
func (h *Hub) BroadcastHealth(botID int64, healthStatus, reason string) {
	h.Broadcast(&HealthMessage{
		Type:         "healthUpdate",
		BotID:        botID,
		HealthStatus: healthStatus,
		Reason:       reason,
		SentAt:       time.Now(),
	})
}

// BroadcastBotStatus отправляет смену статуса бота
func (h *Hub) BroadcastBotStatus(botID int64, oldStatus, newStatus string) {
	h.Broadcast(&BotStatusMessage{
		Type:      "botStatus",
		BotID:     botID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		SentAt:    time.Now(),
	})
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
