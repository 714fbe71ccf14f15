package orchids

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"all2api-go/internal/models"
	"all2api-go/internal/relay"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func testCred() *models.CredentialRef {
	c := &models.CredentialRef{Kind: models.ProviderOrchids}
	c.ID = 3
	c.AccessToken = "session-jwt"
	c.RefreshToken = "client-jwt"
	return c
}

func chatReq() *relay.ChatRequest {
	return &relay.ChatRequest{
		Model: "claude-sonnet-4-5",
		Turns: []relay.Turn{
			{Role: relay.RoleUser, Parts: []relay.Part{{Kind: relay.PartText, Text: "list files"}}},
		},
		Tools: []relay.Tool{{Name: "Bash", InputSchema: json.RawMessage(`{"type":"object"}`)}},
	}
}

// wsServer runs script(conn) for each connection after consuming the
// user_request frame.
func wsServer(t *testing.T, script func(t *testing.T, conn *websocket.Conn, request []byte)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		_, request, err := conn.ReadMessage()
		require.NoError(t, err)
		script(t, conn, request)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func send(t *testing.T, conn *websocket.Conn, v map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestCallStreamsTextAndDone(t *testing.T) {
	srv := wsServer(t, func(t *testing.T, conn *websocket.Conn, request []byte) {
		root := gjson.ParseBytes(request)
		require.Equal(t, "user_request", root.Get("type").String())
		require.Equal(t, "claude-sonnet-4-5", root.Get("model").String())
		require.Equal(t, "Bash", root.Get("tools.0.name").String())

		send(t, conn, map[string]interface{}{"type": "assistant_delta", "content": "hello "})
		send(t, conn, map[string]interface{}{"type": "assistant_delta", "content": "world"})
		send(t, conn, map[string]interface{}{
			"type": "done", "stop_reason": "end_turn",
			"usage": map[string]int64{"input_tokens": 5, "output_tokens": 2},
		})
	})
	defer srv.Close()

	a := NewWithEndpoint(wsURL(srv))
	stream, err := a.Call(context.Background(), testCred(), chatReq())
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	events, err := relay.Collect(context.Background(), stream)
	require.NoError(t, err)

	v := relay.NewEventValidator()
	for _, ev := range events {
		require.NoError(t, v.Observe(ev))
	}
	require.NoError(t, v.Done())

	var text string
	for _, ev := range events {
		if ev.Kind == relay.TextDelta {
			text += ev.Text
		}
	}
	require.Equal(t, "hello world", text)
}

func TestPreviewThenFinalToolCall(t *testing.T) {
	srv := wsServer(t, func(t *testing.T, conn *websocket.Conn, request []byte) {
		send(t, conn, map[string]interface{}{
			"type": "tool_call_preview", "tool_call_id": "tc1", "name": "Bash",
			"input_preview": `{"comm`,
		})
		send(t, conn, map[string]interface{}{
			"type": "tool_call_preview", "tool_call_id": "tc1", "name": "Bash",
			"input_preview": `{"command":"ls`,
		})
		send(t, conn, map[string]interface{}{
			"type": "tool_call", "tool_call_id": "tc1", "name": "Bash",
			"input": map[string]string{"command": "ls"},
		})
		send(t, conn, map[string]interface{}{"type": "done", "stop_reason": "tool_use"})
	})
	defer srv.Close()

	a := NewWithEndpoint(wsURL(srv))
	stream, err := a.Call(context.Background(), testCred(), chatReq())
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	events, err := relay.Collect(context.Background(), stream)
	require.NoError(t, err)

	var starts, stops, deltas int
	var finalInput string
	for _, ev := range events {
		switch ev.Kind {
		case relay.ToolUseStart:
			starts++
			require.Equal(t, "Bash", ev.ToolName)
		case relay.ToolUseInputDelta:
			deltas++
		case relay.ToolUseStop:
			stops++
			finalInput = string(ev.Input)
		}
	}
	require.Equal(t, 1, starts, "preview frames must not open extra blocks")
	require.Equal(t, 1, stops, "only the complete tool_call closes the block")
	require.Equal(t, 2, deltas, "growing previews stream their suffixes")
	require.JSONEq(t, `{"command":"ls"}`, finalInput)
}

func TestFsOperationAnsweredWithSyntheticSuccess(t *testing.T) {
	gotReply := make(chan []byte, 1)
	srv := wsServer(t, func(t *testing.T, conn *websocket.Conn, request []byte) {
		send(t, conn, map[string]interface{}{
			"type": "fs_operation", "operation_id": "op7", "op": "write",
			"path": "/tmp/x", "content": "hello",
		})
		_, reply, err := conn.ReadMessage()
		require.NoError(t, err)
		gotReply <- reply
		send(t, conn, map[string]interface{}{"type": "done"})
	})
	defer srv.Close()

	a := NewWithEndpoint(wsURL(srv))
	stream, err := a.Call(context.Background(), testCred(), chatReq())
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	_, err = relay.Collect(context.Background(), stream)
	require.NoError(t, err)

	select {
	case reply := <-gotReply:
		root := gjson.ParseBytes(reply)
		require.Equal(t, "fs_operation_response", root.Get("type").String())
		require.Equal(t, "op7", root.Get("operation_id").String())
		require.True(t, root.Get("success").Bool())
	case <-time.After(2 * time.Second):
		t.Fatal("no fs_operation_response observed")
	}
}

func TestAbruptCloseStillBalancesStream(t *testing.T) {
	srv := wsServer(t, func(t *testing.T, conn *websocket.Conn, request []byte) {
		send(t, conn, map[string]interface{}{"type": "assistant_delta", "content": "partial"})
		// close without done
	})
	defer srv.Close()

	a := NewWithEndpoint(wsURL(srv))
	stream, err := a.Call(context.Background(), testCred(), chatReq())
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	events, err := relay.Collect(context.Background(), stream)
	require.NoError(t, err)

	v := relay.NewEventValidator()
	for _, ev := range events {
		require.NoError(t, v.Observe(ev))
	}
	require.NoError(t, v.Done(), "abnormal close must still produce message_stop")
}

func fakeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d,"sub":"user_1"}`, exp.Unix())))
	return header + "." + payload + ".sig"
}

func TestRefreshPicksFreshestSession(t *testing.T) {
	older := fakeJWT(t, time.Now().Add(10*time.Minute))
	newer := fakeJWT(t, time.Now().Add(55*time.Minute))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "client-jwt", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"sessions": []map[string]interface{}{
				{"id": "s1", "status": "active", "last_active_token": map[string]string{"jwt": older}},
				{"id": "s2", "status": "active", "last_active_token": map[string]string{"jwt": newer}},
				{"id": "s3", "status": "revoked", "last_active_token": map[string]string{"jwt": fakeJWT(t, time.Now().Add(99 * time.Hour))}},
			},
		})
	}))
	defer srv.Close()

	r := NewRefresherWithURL(srv.Client(), srv.URL)
	res, err := r.RefreshToken(context.Background(), testCred())
	require.NoError(t, err)
	require.Equal(t, newer, res.AccessToken)
	require.WithinDuration(t, time.Now().Add(55*time.Minute), res.ExpiresAt, 5*time.Second)
}

func TestRefreshNoActiveSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"sessions": []interface{}{}})
	}))
	defer srv.Close()

	r := NewRefresherWithURL(srv.Client(), srv.URL)
	_, err := r.RefreshToken(context.Background(), testCred())
	require.Error(t, err)
}
