package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/elm327-dash/internal/obd"
	"github.com/shaunagostinho/elm327-dash/internal/snapshot"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic    string
	qos      byte
	retained bool
	snap     snapshot.Snapshot
}

type fakeClient struct {
	open         atomic.Bool
	disconnected atomic.Bool
	err          error

	mu   sync.Mutex
	msgs []message
}

func (f *fakeClient) Connect() mqtt.Token    { return doneToken{} }
func (f *fakeClient) IsConnectionOpen() bool { return f.open.Load() }
func (f *fakeClient) Disconnect(uint)        { f.disconnected.Store(true) }

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var snap snapshot.Snapshot
	if err := json.Unmarshal(payload.([]byte), &snap); err != nil {
		panic(err)
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, message{topic, qos, retained, snap})
	f.mu.Unlock()
	return doneToken{err: f.err}
}

func (f *fakeClient) published() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.msgs...)
}

func run(t *testing.T, cfg Config, c *fakeClient) *snapshot.Store {
	t.Helper()
	store := snapshot.NewStore(snapshot.Snapshot{Metrics: snapshot.AllAbsent(obd.IDs())})
	p := newPublisher(cfg, store, zaptest.NewLogger(t).Sugar(), c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("publisher did not stop")
		}
		assert.True(t, c.disconnected.Load())
	})
	return store
}

func TestPublishesChanges(t *testing.T) {
	c := &fakeClient{}
	c.open.Store(true)
	store := run(t, Config{Topic: "car/state", QoS: 1, Retain: true}, c)

	require.Eventually(t, func() bool { return len(c.published()) == 1 }, time.Second, 5*time.Millisecond)

	metrics := snapshot.AllAbsent(obd.IDs())
	metrics[obd.RPM] = snapshot.Present(850)
	store.Publish(snapshot.Snapshot{Connected: true, Metrics: metrics})

	require.Eventually(t, func() bool { return len(c.published()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := c.published()
	assert.Equal(t, "car/state", msgs[1].topic)
	assert.Equal(t, byte(1), msgs[1].qos)
	assert.True(t, msgs[1].retained)
	assert.Equal(t, uint64(1), msgs[1].snap.Seq)
	assert.True(t, msgs[1].snap.Connected)
	v, ok := msgs[1].snap.Reading(obd.RPM).Value()
	require.True(t, ok)
	assert.Equal(t, 850.0, v)
}

func TestRateLimitKeepsLatest(t *testing.T) {
	c := &fakeClient{}
	c.open.Store(true)
	store := run(t, Config{Topic: "t", MinInterval: 200 * time.Millisecond}, c)
	require.Eventually(t, func() bool { return len(c.published()) == 1 }, time.Second, 5*time.Millisecond)

	for range 5 {
		store.Publish(snapshot.Snapshot{Connected: true})
	}

	require.Eventually(t, func() bool { return len(c.published()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	msgs := c.published()
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(5), msgs[1].snap.Seq)
}

func TestDropsWhileDisconnected(t *testing.T) {
	c := &fakeClient{}
	store := run(t, Config{Topic: "t"}, c)

	store.Publish(snapshot.Snapshot{})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.published())

	c.open.Store(true)
	store.Publish(snapshot.Snapshot{Connected: true})
	require.Eventually(t, func() bool { return len(c.published()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), c.published()[0].snap.Seq)
}

func TestPublishErrorDoesNotStop(t *testing.T) {
	c := &fakeClient{err: errors.New("not authorized")}
	c.open.Store(true)
	store := run(t, Config{Topic: "t"}, c)
	require.Eventually(t, func() bool { return len(c.published()) == 1 }, time.Second, 5*time.Millisecond)

	store.Publish(snapshot.Snapshot{})
	require.Eventually(t, func() bool { return len(c.published()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestNewGeneratesClientID(t *testing.T) {
	store := snapshot.NewStore(snapshot.Snapshot{})
	p := New(Config{Broker: "tcp://127.0.0.1:1883"}, store, zaptest.NewLogger(t).Sugar())
	assert.Regexp(t, `^elmdash-[0-9a-f]{8}$`, p.cfg.ClientID)

	p = New(Config{Broker: "tcp://127.0.0.1:1883", ClientID: "car1"}, store, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, "car1", p.cfg.ClientID)
}
