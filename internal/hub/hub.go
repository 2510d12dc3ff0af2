// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hub is the publish/subscribe fan-out delivering execution events to
// WebSocket clients. Topics are "global" plus one per execution. Delivery is
// at-most-once: a subscriber whose outbound queue overflows is disconnected
// with an overloaded error and must resynchronize from a fresh snapshot.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/johnnynv/stepflow-monitor/internal/logger"
	"github.com/johnnynv/stepflow-monitor/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetHubLogger()
		log = &l
	})
	return log
}

// TopicGlobal carries execution lifecycle summaries across all executions.
const TopicGlobal = "global"

// ExecutionTopic returns the per-execution topic name.
func ExecutionTopic(id string) string {
	return "execution:" + id
}

// SnapshotFunc produces the initial_state message enqueued ahead of any
// delta when a subscriber attaches.
type SnapshotFunc func() protocol.ServerMessage

// Subscriber is one attached client on one topic.
type Subscriber struct {
	topic string
	out   chan protocol.ServerMessage

	closeOnce   sync.Once
	closeReason atomic.Value // string
}

// Out is the subscriber's ordered message stream. It is closed when the
// subscriber is disconnected; CloseReason then explains why.
func (s *Subscriber) Out() <-chan protocol.ServerMessage {
	return s.out
}

// Topic returns the topic this subscriber is attached to.
func (s *Subscriber) Topic() string {
	return s.topic
}

// CloseReason returns the disconnect reason ("overloaded", "unsubscribed",
// "shutdown") once Out is closed; empty while attached.
func (s *Subscriber) CloseReason() string {
	if v := s.closeReason.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Subscriber) close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		close(s.out)
	})
}

// topicState serializes publish/subscribe per topic so that a snapshot and
// the deltas that follow it form one total order.
type topicState struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Stats is the hub counter snapshot served by the health endpoints.
type Stats struct {
	Topics                int   `json:"topics"`
	Subscribers           int   `json:"subscribers"`
	Published             int64 `json:"published"`
	Delivered             int64 `json:"delivered"`
	OverloadedDisconnects int64 `json:"overloaded_disconnects"`
}

// Hub owns all topics.
type Hub struct {
	queueSize int

	mu     sync.RWMutex
	topics map[string]*topicState
	closed bool

	published             atomic.Int64
	delivered             atomic.Int64
	overloadedDisconnects atomic.Int64
}

// New creates a hub whose subscribers buffer at most queueSize messages.
func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		queueSize: queueSize,
		topics:    make(map[string]*topicState),
	}
}

func (h *Hub) topic(name string, create bool) *topicState {
	h.mu.RLock()
	t := h.topics[name]
	h.mu.RUnlock()
	if t != nil || !create {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	if t = h.topics[name]; t == nil {
		t = &topicState{subs: make(map[*Subscriber]struct{})}
		h.topics[name] = t
	}
	return t
}

// Subscribe attaches a new subscriber to a topic. When snapshot is non-nil it
// runs under the topic lock and its message is enqueued before any
// subsequently published delta, giving the snapshot-then-delta contract.
func (h *Hub) Subscribe(topicName string, snapshot SnapshotFunc) *Subscriber {
	t := h.topic(topicName, true)
	if t == nil {
		// Hub shut down: hand back an already-closed subscriber.
		s := &Subscriber{topic: topicName, out: make(chan protocol.ServerMessage)}
		s.close("shutdown")
		return s
	}

	s := &Subscriber{
		topic: topicName,
		out:   make(chan protocol.ServerMessage, h.queueSize),
	}

	t.mu.Lock()
	if snapshot != nil {
		s.out <- snapshot()
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	return s
}

// Unsubscribe detaches a subscriber and closes its stream.
func (h *Hub) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	if t := h.topic(s.topic, false); t != nil {
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
	}
	s.close("unsubscribed")
}

// Publish delivers a message to every subscriber of a topic in publication
// order. A subscriber whose queue is full is disconnected with the
// overloaded reason. Returns how many subscribers were dropped.
func (h *Hub) Publish(topicName string, msg protocol.ServerMessage) int {
	h.published.Add(1)

	t := h.topic(topicName, false)
	if t == nil {
		return 0
	}

	var overloaded []*Subscriber

	t.mu.Lock()
	for s := range t.subs {
		select {
		case s.out <- msg:
			h.delivered.Add(1)
		default:
			overloaded = append(overloaded, s)
		}
	}
	for _, s := range overloaded {
		delete(t.subs, s)
	}
	t.mu.Unlock()

	for _, s := range overloaded {
		h.overloadedDisconnects.Add(1)
		getLog().Warn().Str("topic", topicName).Msg("Disconnecting overloaded subscriber")
		s.close(protocol.ErrCodeOverloaded)
	}
	return len(overloaded)
}

// DropTopic disconnects all subscribers of a topic and forgets it. Used when
// an execution is deleted.
func (h *Hub) DropTopic(topicName string) {
	h.mu.Lock()
	t := h.topics[topicName]
	delete(h.topics, topicName)
	h.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	subs := make([]*Subscriber, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[*Subscriber]struct{})
	t.mu.Unlock()

	for _, s := range subs {
		s.close("unsubscribed")
	}
}

// Stats returns a counter snapshot.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	topics := len(h.topics)
	subscribers := 0
	for _, t := range h.topics {
		t.mu.Lock()
		subscribers += len(t.subs)
		t.mu.Unlock()
	}
	h.mu.RUnlock()

	return Stats{
		Topics:                topics,
		Subscribers:           subscribers,
		Published:             h.published.Load(),
		Delivered:             h.delivered.Load(),
		OverloadedDisconnects: h.overloadedDisconnects.Load(),
	}
}

// Close disconnects every subscriber and refuses new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	topics := h.topics
	h.topics = make(map[string]*topicState)
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for s := range t.subs {
			s.close("shutdown")
		}
		t.subs = make(map[*Subscriber]struct{})
		t.mu.Unlock()
	}
}
