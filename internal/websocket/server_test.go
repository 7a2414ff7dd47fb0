package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/co-ogn/pkg/logger"
)

type recordingHandler struct {
	messages chan string
}

func (h *recordingHandler) HandleMessage(client *Client, messageType string, data map[string]any) error {
	if messageType == MessageTypeFilterUpdate {
		selected, _ := data["selected_device"].(string)
		client.UpdateFilters(&ClientFilters{SelectedDevice: selected})
	}
	h.messages <- messageType
	return nil
}

func startServer(t *testing.T) (*Server, *recordingHandler, *websocket.Conn) {
	t.Helper()

	s := NewServer(logger.NewNop())
	h := &recordingHandler{messages: make(chan string, 10)}
	s.SetMessageHandler(h)
	go s.Run()
	t.Cleanup(s.Stop)

	srv := httptest.NewServer(http.HandlerFunc(s.HandleConnection))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return s, h, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBroadcastReachesClient(t *testing.T) {
	s, _, conn := startServer(t)

	s.Broadcast(&Message{
		Type: MessageTypeFlightEvent,
		Data: map[string]any{"device_id": "DD1234", "kind": "departure"},
	})

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeFlightEvent, msg.Type)
	assert.Equal(t, "DD1234", msg.Data["device_id"])
}

func TestFilterUpdateIsHandled(t *testing.T) {
	s, h, conn := startServer(t)

	require.NoError(t, conn.WriteJSON(Message{
		Type: MessageTypeFilterUpdate,
		Data: map[string]any{"selected_device": "DD1234"},
	}))

	select {
	case typ := <-h.messages:
		assert.Equal(t, MessageTypeFilterUpdate, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("message handler was not called")
	}

	// Filtered out: neither air nor ground is enabled and the aircraft is not selected
	s.Broadcast(&Message{
		Type: MessageTypeAircraftUpdate,
		Data: map[string]any{"aircraft": map[string]any{"device_id": "AAAAAA", "on_ground": false}},
	})
	s.Broadcast(&Message{
		Type: MessageTypeAircraftUpdate,
		Data: map[string]any{"aircraft": map[string]any{"device_id": "DD1234", "on_ground": false}},
	})

	msg := readMessage(t, conn)
	aircraft, ok := msg.Data["aircraft"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "DD1234", aircraft["device_id"])
}

func TestClientFiltersMatches(t *testing.T) {
	airborne := map[string]any{"device_id": "DD1234", "on_ground": false}
	grounded := map[string]any{"device_id": "AAAAAA", "on_ground": true}

	var none *ClientFilters
	assert.True(t, none.Matches(airborne))

	airOnly := &ClientFilters{ShowAir: true}
	assert.True(t, airOnly.Matches(airborne))
	assert.False(t, airOnly.Matches(grounded))

	groundOnly := &ClientFilters{ShowGround: true}
	assert.False(t, groundOnly.Matches(airborne))
	assert.True(t, groundOnly.Matches(grounded))

	selected := &ClientFilters{SelectedDevice: "AAAAAA"}
	assert.True(t, selected.Matches(grounded))
	assert.False(t, selected.Matches(airborne))
}

func TestBroadcastDoesNotBlockWithoutRun(t *testing.T) {
	s := NewServer(logger.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBufferSize+10; i++ {
			s.Broadcast(&Message{Type: MessageTypeFlightEvent})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked")
	}
}
