package relay

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/fsgate/internal/types"
)

// fakeToken completes immediately.
type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (fakeToken) Error() error                   { return nil }

// fakeClient records published messages.
type fakeClient struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func (f *fakeClient) Connect() mqtt.Token { return fakeToken{} }
func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[topic] = append(f.published[topic], payload.([]byte))
	return fakeToken{}
}
func (f *fakeClient) Disconnect(uint) {}

func (f *fakeClient) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[topic])
}

func newTestRelay(t *testing.T) (*Relay, *fakeClient) {
	t.Helper()
	fake := &fakeClient{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewWithClient("tcp://localhost:1883", "fsgate-test", "fsgate", logger,
		func(opts *mqtt.ClientOptions) Client { return fake })
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Stop)
	return r, fake
}

func TestRelayPublishAudit(t *testing.T) {
	r, fake := newTestRelay(t)
	r.PublishAudit([]byte(`{"level":"AUDIT"}`))
	if fake.count("fsgate/audit") != 1 {
		t.Error("audit line not published")
	}
}

func TestRelayPublishEvent(t *testing.T) {
	r, fake := newTestRelay(t)
	r.PublishEvent("sess-1", types.FsEvent{Kind: types.EventCreate, Path: "/ws/x", Timestamp: time.Now()})
	if fake.count("fsgate/events/sess-1") != 1 {
		t.Error("event not published")
	}
}

func TestRelayPublishBeforeStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New("tcp://localhost:1883", "x", "fsgate", logger)
	// Must not panic when the client was never connected.
	r.PublishAudit([]byte("{}"))
}
