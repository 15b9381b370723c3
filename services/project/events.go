// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package project

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianProjects/services/project/model"
	"github.com/AleutianAI/AleutianProjects/services/project/reconcile"
)

var (
	eventClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "projects_event_clients",
		Help: "Connected event stream clients",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "projects_events_dropped_total",
		Help: "Events dropped because a client fell behind",
	})
)

// Event types sent on the event stream.
const (
	EventRefresh = "refresh"
	EventPrompt  = "prompt"
)

// Event is one message of the event stream.
type Event struct {
	Type   string             `json:"type"`
	ID     string             `json:"id,omitempty"`
	Path   string             `json:"path,omitempty"`
	Kind   model.Kind         `json:"kind,omitempty"`
	Prompt *reconcile.Request `json:"prompt,omitempty"`
}

const clientBuffer = 64

// Hub fans events out to stream clients. A client whose buffer is full
// misses events; the next refresh event for its root brings it back in
// sync.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]chan Event
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{logger: logger, clients: make(map[string]chan Event)}
}

// Subscribe registers a client.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, clientBuffer)
	h.mu.Lock()
	h.clients[id] = ch
	n := len(h.clients)
	h.mu.Unlock()
	eventClients.Set(float64(n))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	ch, ok := h.clients[id]
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
	eventClients.Set(float64(n))
}

// Broadcast sends e to every client without blocking.
func (h *Hub) Broadcast(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.clients {
		select {
		case ch <- e:
		default:
			eventsDropped.Inc()
			h.logger.Debug("event client behind, dropping event",
				slog.String("client_id", id),
				slog.String("type", e.Type))
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]chan Event)
	h.mu.Unlock()
	for _, ch := range clients {
		close(ch)
	}
	eventClients.Set(0)
}

func refreshEvent(e model.Element) Event {
	return Event{Type: EventRefresh, ID: e.ID(), Path: e.Path(), Kind: e.Kind()}
}

func promptEvent(req reconcile.Request) Event {
	return Event{Type: EventPrompt, Prompt: &req}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// HandleEvents handles GET /v1/projects/events.
//
// Description:
//
//	Upgrades to a websocket and streams presentation refresh signals and
//	pending confirmations as JSON Event messages. Messages sent by the
//	client are ignored.
func (h *Handlers) HandleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	id, events := h.svc.Hub().Subscribe()
	defer h.svc.Hub().Unsubscribe(id)
	logger := h.logger.With(slog.String("client_id", id))
	logger.Info("event client connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	if req, ok := h.svc.Prompter().Head(); ok {
		if err := writeEvent(ws, promptEvent(req)); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "service closing"),
					time.Now().Add(writeTimeout))
				return
			}
			if err := writeEvent(ws, e); err != nil {
				logger.Info("event client write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-closed:
			logger.Info("event client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeEvent(ws *websocket.Conn, e Event) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ws.WriteJSON(e)
}
