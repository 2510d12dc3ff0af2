// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnnynv/stepflow-monitor/internal/models"
	"github.com/johnnynv/stepflow-monitor/internal/orchestrator"
	"github.com/johnnynv/stepflow-monitor/internal/protocol"
)

// wireMessage decodes server frames without protocol.ServerMessage's any-typed
// payload getting in the way.
type wireMessage struct {
	Type      protocol.MessageType `json:"type"`
	Data      map[string]any       `json:"data"`
	Timestamp time.Time            `json:"timestamp"`
}

func dialWS(t *testing.T, orch *orchestrator.Orchestrator) *websocket.Conn {
	t.Helper()

	cfg := testConfig(t)
	srv := New(cfg, orch)
	ts := httptest.NewServer(srv.wsServer.Handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.MessageType) wireMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("never received %s", want)
	return wireMessage{}
}

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	orch, err := orchestrator.New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close() })
	return orch
}

func TestFreshConnectionGetsGlobalSnapshot(t *testing.T) {
	orch := newTestOrchestrator(t)
	conn := dialWS(t, orch)

	first := readMessage(t, conn)
	assert.Equal(t, protocol.MsgConnectionEstablished, first.Type)

	// Implicit global subscription delivers its snapshot next.
	second := readMessage(t, conn)
	assert.Equal(t, protocol.MsgInitialState, second.Type)
}

func TestGlobalTopicAnnouncesLifecycle(t *testing.T) {
	orch := newTestOrchestrator(t)
	conn := dialWS(t, orch)
	readUntil(t, conn, protocol.MsgInitialState)

	execution := models.NewExecution("ws test", "echo STEP_START:s; echo STEP_COMPLETE:s", "")
	require.NoError(t, orch.StartExecution(context.Background(), execution, 0))

	started := readUntil(t, conn, protocol.MsgExecutionStarted)
	exec := started.Data["execution"].(map[string]any)
	assert.Equal(t, execution.ID, exec["id"])

	completed := readUntil(t, conn, protocol.MsgExecutionCompleted)
	exec = completed.Data["execution"].(map[string]any)
	assert.Equal(t, "completed", exec["status"])
}

func TestSubscribeStreamsSnapshotThenDeltas(t *testing.T) {
	orch := newTestOrchestrator(t)
	conn := dialWS(t, orch)
	readUntil(t, conn, protocol.MsgInitialState)

	execution := models.NewExecution("stream me", "echo STEP_START:one; sleep 1; echo STEP_COMPLETE:one", "")
	require.NoError(t, orch.StartExecution(context.Background(), execution, 0))

	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{
		Type: protocol.MsgSubscribe,
		Data: protocol.ClientMessageData{ExecutionID: execution.ID},
	}))

	snapshot := readUntil(t, conn, protocol.MsgInitialState)
	exec := snapshot.Data["execution"].(map[string]any)
	require.Equal(t, execution.ID, exec["id"])

	completed := readUntil(t, conn, protocol.MsgExecutionCompleted)
	assert.NotNil(t, completed.Data["execution"])
}

func TestSubscribeUnknownExecution(t *testing.T) {
	orch := newTestOrchestrator(t)
	conn := dialWS(t, orch)
	readUntil(t, conn, protocol.MsgInitialState)

	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{
		Type: protocol.MsgSubscribe,
		Data: protocol.ClientMessageData{ExecutionID: "no-such-id"},
	}))

	errMsg := readUntil(t, conn, protocol.MsgError)
	assert.Equal(t, protocol.ErrCodeNotFound, errMsg.Data["code"])
}

func TestPingPong(t *testing.T) {
	orch := newTestOrchestrator(t)
	conn := dialWS(t, orch)
	readUntil(t, conn, protocol.MsgInitialState)

	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{Type: protocol.MsgPing}))
	readUntil(t, conn, protocol.MsgPong)
}

func TestGetStatusReturnsSnapshot(t *testing.T) {
	orch := newTestOrchestrator(t)
	conn := dialWS(t, orch)
	readUntil(t, conn, protocol.MsgInitialState)

	execution := models.NewExecution("status", "true", "")
	require.NoError(t, orch.StartExecution(context.Background(), execution, 0))
	orch.Engine().Wait(execution.ID)

	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{
		Type: protocol.MsgGetStatus,
		Data: protocol.ClientMessageData{ExecutionID: execution.ID},
	}))

	state := readUntil(t, conn, protocol.MsgInitialState)
	exec := state.Data["execution"].(map[string]any)
	assert.Equal(t, execution.ID, exec["id"])
}
