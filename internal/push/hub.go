// Package push доставляет события подключённым клиентам по WebSocket.
// Доставка служит лишь подсказкой перечитать данные: потеря события допустима, клиент
// догоняет состояние опросом.
package push

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

// Hub хранит реестр живых сессий по пользователям.
type Hub struct {
	sendTimeout time.Duration
	logger      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
}

// NewHub создаёт реестр. sendTimeout ограничивает ожидание одной сессии при доставке.
func NewHub(sendTimeout time.Duration, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sendTimeout: sendTimeout,
		logger:      logger,
		sessions:    make(map[string]map[*Session]struct{}),
	}
}

// Register добавляет сессию пользователя.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[s.userID]
	if !ok {
		set = make(map[*Session]struct{})
		h.sessions[s.userID] = set
	}
	set[s] = struct{}{}
}

// Unregister удаляет сессию. Повторный вызов ничего не делает.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[s.userID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.userID)
	}
}

// SessionCount возвращает число живых сессий пользователя.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

type wireEvent struct {
	Type    model.PushEventType `json:"type"`
	Payload json.RawMessage     `json:"payload"`
}

// Deliver отправляет событие во все сессии получателя и возвращает число сессий,
// принявших его. Сессия, не принявшая событие за sendTimeout, закрывается.
func (h *Hub) Deliver(ev model.PushEvent) int {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions[ev.UserID]))
	for s := range h.sessions[ev.UserID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	data, err := json.Marshal(wireEvent{Type: ev.Type, Payload: ev.Payload})
	if err != nil {
		h.logger.Warn("marshal push event", zap.Error(err), zap.String("type", string(ev.Type)))
		return 0
	}

	delivered := 0
	for _, s := range targets {
		if s.enqueue(data, h.sendTimeout) {
			delivered++
			continue
		}
		h.logger.Debug("closing slow push session",
			zap.String("user_id", ev.UserID),
			zap.String("type", string(ev.Type)),
		)
		h.Unregister(s)
		s.Close()
	}
	return delivered
}

// Close закрывает все сессии.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Session
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.sessions = make(map[string]map[*Session]struct{})
	h.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
