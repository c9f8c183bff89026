package foxglove

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
	"github.com/drblury/foxbridge/internal/runtime/ids"
	"github.com/drblury/foxbridge/internal/runtime/jsoncodec"
	"github.com/drblury/foxbridge/internal/runtime/logging"
)

func testLogger() logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type viewer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *viewer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, Subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))
	t.Cleanup(func() { _ = conn.Close() })
	return &viewer{t: t, conn: conn}
}

func (v *viewer) next() (int, []byte) {
	v.t.Helper()
	require.NoError(v.t, v.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, raw, err := v.conn.ReadMessage()
	require.NoError(v.t, err)
	return messageType, raw
}

func (v *viewer) nextJSON(op string) map[string]any {
	v.t.Helper()
	messageType, raw := v.next()
	require.Equal(v.t, websocket.TextMessage, messageType, "expected text frame")
	var msg map[string]any
	require.NoError(v.t, jsoncodec.Unmarshal(raw, &msg))
	require.Equal(v.t, op, msg["op"], "unexpected frame %s", raw)
	return msg
}

func (v *viewer) nextBinary() (uint32, uint64, []byte) {
	v.t.Helper()
	messageType, raw := v.next()
	require.Equal(v.t, websocket.BinaryMessage, messageType)
	subID, ts, payload, ok := DecodeMessageData(raw)
	require.True(v.t, ok)
	return subID, ts, payload
}

func (v *viewer) send(msg any) {
	v.t.Helper()
	raw, err := jsoncodec.Marshal(msg)
	require.NoError(v.t, err)
	require.NoError(v.t, v.conn.WriteMessage(websocket.TextMessage, raw))
}

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(testLogger(), opts)
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func waitSubscribers(t *testing.T, ch *Channel, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.subscriberCount() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestServerInfoOnConnect(t *testing.T) {
	s, srv := newTestServer(t, Options{Name: "bridge-test", Metadata: map[string]string{"bus": "channel"}})
	v := dial(t, srv)

	info := v.nextJSON(opServerInfo)
	assert.Equal(t, "bridge-test", info["name"])
	assert.Equal(t, s.SessionID(), info["sessionId"])
	assert.Equal(t, map[string]any{"bus": "channel"}, info["metadata"])

	_, ok := ids.SessionStartedAt(s.SessionID())
	assert.True(t, ok, "session id should be a ULID")
}

func TestAdvertiseExistingAndNewChannels(t *testing.T) {
	s, srv := newTestServer(t, Options{})

	protoCh, err := s.CreateChannel(ChannelSpec{
		Topic:          "robot/pose",
		Encoding:       "protobuf",
		SchemaName:     "acme.Pose",
		Schema:         []byte{0x0a, 0x01, 0xff},
		SchemaEncoding: "protobuf",
	})
	require.NoError(t, err)

	v := dial(t, srv)
	v.nextJSON(opServerInfo)
	adv := v.nextJSON(opAdvertise)
	channels := adv["channels"].([]any)
	require.Len(t, channels, 1)
	first := channels[0].(map[string]any)
	assert.EqualValues(t, protoCh.ID(), first["id"])
	assert.Equal(t, "robot/pose", first["topic"])
	assert.Equal(t, "acme.Pose", first["schemaName"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x0a, 0x01, 0xff}), first["schema"])
	assert.Equal(t, "protobuf", first["schemaEncoding"])

	jsonCh, err := s.CreateChannel(ChannelSpec{
		Topic:          "home/door",
		Encoding:       "json",
		SchemaName:     "ContactSensor",
		Schema:         []byte(`{"type":"object"}`),
		SchemaEncoding: "jsonschema",
	})
	require.NoError(t, err)
	assert.Greater(t, jsonCh.ID(), protoCh.ID())

	adv = v.nextJSON(opAdvertise)
	channels = adv["channels"].([]any)
	require.Len(t, channels, 1)
	second := channels[0].(map[string]any)
	assert.Equal(t, "home/door", second["topic"])
	assert.Equal(t, `{"type":"object"}`, second["schema"], "text schemas are not base64 encoded")
}

func TestCreateChannelRejectsDuplicatesAndEmptyTopic(t *testing.T) {
	s := NewServer(testLogger(), Options{})

	_, err := s.CreateChannel(ChannelSpec{Topic: "a", Encoding: "json"})
	require.NoError(t, err)
	_, err = s.CreateChannel(ChannelSpec{Topic: "a", Encoding: "json"})
	require.ErrorIs(t, err, errspkg.ErrChannelExists)
	_, err = s.CreateChannel(ChannelSpec{})
	require.ErrorIs(t, err, errspkg.ErrTopicRequired)

	summaries := s.Channels()
	require.Len(t, summaries, 1)
	assert.Equal(t, "a", summaries[0].Topic)
}

func TestSubscribeReceivesMessages(t *testing.T) {
	s, srv := newTestServer(t, Options{})
	ch, err := s.CreateChannel(ChannelSpec{Topic: "home/door", Encoding: "json"})
	require.NoError(t, err)

	v := dial(t, srv)
	v.nextJSON(opServerInfo)
	v.nextJSON(opAdvertise)

	v.send(subscribeRequest{Op: opSubscribe, Subscriptions: []subscription{{ID: 42, ChannelID: ch.ID()}}})
	waitSubscribers(t, ch, 1)

	require.NoError(t, ch.Send(1_700_000_000_000_000_001, []byte(`{"contact":true}`)))
	subID, ts, payload := v.nextBinary()
	assert.EqualValues(t, 42, subID)
	assert.EqualValues(t, uint64(1_700_000_000_000_000_001), ts)
	assert.Equal(t, `{"contact":true}`, string(payload))

	assert.Equal(t, 1, s.Channels()[0].Subscribers)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s, srv := newTestServer(t, Options{})
	first, err := s.CreateChannel(ChannelSpec{Topic: "first", Encoding: "json"})
	require.NoError(t, err)
	second, err := s.CreateChannel(ChannelSpec{Topic: "second", Encoding: "json"})
	require.NoError(t, err)

	v := dial(t, srv)
	v.nextJSON(opServerInfo)
	v.nextJSON(opAdvertise)

	v.send(subscribeRequest{Op: opSubscribe, Subscriptions: []subscription{{ID: 1, ChannelID: first.ID()}}})
	waitSubscribers(t, first, 1)
	v.send(unsubscribeRequest{Op: opUnsubscribe, SubscriptionIDs: []uint32{1}})
	waitSubscribers(t, first, 0)

	require.NoError(t, first.Send(1, []byte("dropped")))

	v.send(subscribeRequest{Op: opSubscribe, Subscriptions: []subscription{{ID: 2, ChannelID: second.ID()}}})
	waitSubscribers(t, second, 1)
	require.NoError(t, second.Send(2, []byte("kept")))

	subID, _, payload := v.nextBinary()
	assert.EqualValues(t, 2, subID)
	assert.Equal(t, "kept", string(payload))
}

func TestLatchedChannelReplaysLastMessage(t *testing.T) {
	s, srv := newTestServer(t, Options{})
	ch, err := s.CreateChannel(ChannelSpec{Topic: "home/state", Encoding: "json", Latched: true})
	require.NoError(t, err)

	require.NoError(t, ch.Send(10, []byte(`{"v":1}`)))
	require.NoError(t, ch.Send(20, []byte(`{"v":2}`)))

	v := dial(t, srv)
	v.nextJSON(opServerInfo)
	v.nextJSON(opAdvertise)
	v.send(subscribeRequest{Op: opSubscribe, Subscriptions: []subscription{{ID: 5, ChannelID: ch.ID()}}})

	subID, ts, payload := v.nextBinary()
	assert.EqualValues(t, 5, subID)
	assert.EqualValues(t, 20, ts)
	assert.Equal(t, `{"v":2}`, string(payload))
}

func TestClientErrorsProduceStatus(t *testing.T) {
	s, srv := newTestServer(t, Options{})
	ch, err := s.CreateChannel(ChannelSpec{Topic: "t", Encoding: "json"})
	require.NoError(t, err)

	v := dial(t, srv)
	v.nextJSON(opServerInfo)
	v.nextJSON(opAdvertise)

	v.send(subscribeRequest{Op: opSubscribe, Subscriptions: []subscription{{ID: 1, ChannelID: 999}}})
	st := v.nextJSON(opStatus)
	assert.EqualValues(t, StatusError, st["level"])
	assert.Contains(t, st["message"], "unknown channel 999")

	v.send(subscribeRequest{Op: opSubscribe, Subscriptions: []subscription{{ID: 1, ChannelID: ch.ID()}, {ID: 1, ChannelID: ch.ID()}}})
	st = v.nextJSON(opStatus)
	assert.Contains(t, st["message"], "subscription id 1 already in use")

	require.NoError(t, v.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	st = v.nextJSON(opStatus)
	assert.Contains(t, st["message"], "malformed message")

	v.send(map[string]string{"op": "advertise"})
	st = v.nextJSON(opStatus)
	assert.EqualValues(t, StatusWarning, st["level"])
}

func TestSlowViewerDropsFramesWithoutBlocking(t *testing.T) {
	var dropped atomic.Int32
	s := NewServer(testLogger(), Options{QueueSize: 1, OnFrameDropped: func(topic string) {
		assert.Equal(t, "fast", topic)
		dropped.Add(1)
	}})
	ch, err := s.CreateChannel(ChannelSpec{Topic: "fast", Encoding: "json"})
	require.NoError(t, err)

	slow := newClient("slow", nil, s, 1)
	ch.subscribe(slow, 7)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_ = ch.Send(uint64(i), []byte("x"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a slow viewer")
	}

	assert.EqualValues(t, 4, slow.dropped.Load())
	assert.EqualValues(t, 4, dropped.Load())
	subID, ts, _, ok := DecodeMessageData(<-slow.data)
	require.True(t, ok)
	assert.EqualValues(t, 7, subID)
	assert.EqualValues(t, 0, ts, "the oldest frame stays queued")
}

func TestClosedServerRejectsWork(t *testing.T) {
	s := NewServer(testLogger(), Options{})
	ch, err := s.CreateChannel(ChannelSpec{Topic: "t", Encoding: "json"})
	require.NoError(t, err)

	s.Close()
	s.Close()

	require.ErrorIs(t, ch.Send(1, nil), errspkg.ErrServerClosed)
	_, err = s.CreateChannel(ChannelSpec{Topic: "u", Encoding: "json"})
	require.ErrorIs(t, err, errspkg.ErrServerClosed)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandshakeRequiresSubprotocol(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientCountCallback(t *testing.T) {
	counts := make(chan int, 4)
	s, srv := newTestServer(t, Options{OnClientsChanged: func(n int) { counts <- n }})

	v := dial(t, srv)
	v.nextJSON(opServerInfo)
	assert.Equal(t, 1, <-counts)
	assert.Equal(t, 1, s.ClientCount())

	require.NoError(t, v.conn.Close())
	select {
	case n := <-counts:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
}

func TestServeListenerStopsOnCancel(t *testing.T) {
	s := NewServer(testLogger(), Options{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServeListener(ctx, ln) }()

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	require.Eventually(t, func() bool {
		conn, _, err := dialer.Dial("ws://"+ln.Addr().String(), nil)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
	_, err = s.CreateChannel(ChannelSpec{Topic: "late"})
	require.ErrorIs(t, err, errspkg.ErrServerClosed)
}

func TestMessageDataFraming(t *testing.T) {
	frame := encodeMessageData(0x01020304, 0x0102030405060708, []byte("abc"))
	assert.Equal(t, []byte{
		0x01,
		0x04, 0x03, 0x02, 0x01,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		'a', 'b', 'c',
	}, frame)

	_, _, _, ok := DecodeMessageData([]byte{0x02, 0, 0})
	assert.False(t, ok)
}

func TestLatchedSendRacingSubscribeDeliversOnce(t *testing.T) {
	s := NewServer(testLogger(), Options{})
	ch, err := s.CreateChannel(ChannelSpec{Topic: "home/dimmer", Encoding: "json", Latched: true})
	require.NoError(t, err)

	for i := range 500 {
		ts := uint64(i + 1)
		cl := newClient(ids.CreateULID(), nil, s, 8)

		done := make(chan struct{})
		go func() {
			defer close(done)
			assert.NoError(t, ch.Send(ts, []byte(`{"action":"on"}`)))
		}()
		ch.subscribe(cl, 1)
		<-done
		ch.unsubscribe(cl)

		seen := 0
		for len(cl.data) > 0 {
			_, frameTS, _, ok := DecodeMessageData(<-cl.data)
			require.True(t, ok)
			if frameTS == ts {
				seen++
			}
		}
		require.Equal(t, 1, seen, "iteration %d", i)
	}
}
