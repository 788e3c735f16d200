package mqttclient

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func startBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()
	srv := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, srv.AddHook(new(auth.AllowHook), nil))

	addr := freeAddr(t)
	require.NoError(t, srv.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})))
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })
	return srv, "tcp://" + addr
}

type received struct {
	mu   sync.Mutex
	msgs map[string][]byte
}

func (r *received) get(topic string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.msgs[topic]
	return b, ok
}

func TestPublishJobEvents(t *testing.T) {
	srv, url := startBroker(t)

	rec := &received{msgs: map[string][]byte{}}
	require.NoError(t, srv.Subscribe("wq/#", 1, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		rec.mu.Lock()
		rec.msgs[pk.TopicName] = append([]byte(nil), pk.Payload...)
		rec.mu.Unlock()
	}))

	c, err := Connect(Options{BrokerURL: url, ClientID: "wq-test", TopicPrefix: "/wq/", Log: zerolog.Nop()})
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, c.IsConnected, 5*time.Second, 10*time.Millisecond)

	var sent []string
	c.OnPublish = func(ev string) { sent = append(sent, ev) }
	c.Publish("job.done", map[string]any{"job_id": 7, "detected_language": "es"})

	var payload []byte
	require.Eventually(t, func() bool {
		var ok bool
		payload, ok = rec.get("wq/job/done")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	var body map[string]any
	require.NoError(t, json.Unmarshal(payload, &body))
	assert.Equal(t, "job.done", body["event"])
	assert.Equal(t, float64(7), body["job_id"])
	assert.Equal(t, "es", body["detected_language"])
	assert.NotEmpty(t, body["ts"])

	require.Eventually(t, func() bool {
		status, ok := rec.get("wq/status")
		return ok && string(status) == "online"
	}, 5*time.Second, 10*time.Millisecond)

	published, dropped := c.Stats()
	assert.Equal(t, int64(1), published)
	assert.Zero(t, dropped)
	assert.Equal(t, []string{"job.done"}, sent)
}

func TestPublishWhileDisconnectedIsDropped(t *testing.T) {
	c := &Client{prefix: "wq", log: zerolog.Nop()}
	c.Publish("job.error", map[string]any{"job_id": 1})
	published, dropped := c.Stats()
	assert.Zero(t, published)
	assert.Equal(t, int64(1), dropped)
}

func TestTopic(t *testing.T) {
	c := &Client{prefix: "whisper-queue"}
	assert.Equal(t, "whisper-queue/job/processing", c.Topic("job.processing"))
}

func TestConnectFailure(t *testing.T) {
	_, err := Connect(Options{BrokerURL: "tcp://" + freeAddr(t), ClientID: "x", Log: zerolog.Nop()})
	assert.Error(t, err)
}
