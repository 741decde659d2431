package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rmehra/marketpipe/internal/broker"
	"github.com/rmehra/marketpipe/internal/model"
)

// fakeSource is a scripted feed source.
type fakeSource struct {
	frames     chan Frame
	errs       chan error
	connectErr error
	ackSub     bool // Push a "subscribed" ack when Subscribe is called

	mu         sync.Mutex
	subscribed [][]string
	closed     bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames: make(chan Frame, 100),
		errs:   make(chan error, 1),
		ackSub: true,
	}
}

func (s *fakeSource) Connect(ctx context.Context) error { return s.connectErr }

func (s *fakeSource) Subscribe(ctx context.Context, keys []string) error {
	s.mu.Lock()
	s.subscribed = append(s.subscribed, keys)
	s.mu.Unlock()
	if s.ackSub {
		s.frames <- Frame{Data: []byte(`{"type":"subscribed","count":1}`), ReceivedAt: time.Now()}
	}
	return nil
}

func (s *fakeSource) Frames() <-chan Frame { return s.frames }
func (s *fakeSource) Errors() <-chan error { return s.errs }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) pushQuote(token string, price float64, ts int64) {
	data, _ := json.Marshal(map[string]interface{}{
		"type": "quote", "token": token, "ltp": price, "ltq": 1, "vol": 10, "ts": ts,
	})
	s.frames <- Frame{Data: data, ReceivedAt: time.Now()}
}

func (s *fakeSource) pushTick(token string, price float64, ts, seq int64) {
	data, _ := json.Marshal(map[string]interface{}{
		"type": "tick", "token": token, "ltp": price, "ltq": 1, "vol": 10, "ts": ts, "seq": seq,
	})
	s.frames <- Frame{Data: data, ReceivedAt: time.Now()}
}

// scriptedFactory hands out sources in order, repeating the last one.
func scriptedFactory(sources ...*fakeSource) SourceFactory {
	i := 0
	var mu sync.Mutex
	return func() Source {
		mu.Lock()
		defer mu.Unlock()
		src := sources[i]
		if i < len(sources)-1 {
			i++
		}
		return src
	}
}

// fakeBroker records publishes and can be switched into a failing state.
type fakeBroker struct {
	mu       sync.Mutex
	fail     bool
	channels map[string][][]byte
	streams  map[string][][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		channels: make(map[string][][]byte),
		streams:  make(map[string][][]byte),
	}
}

func (b *fakeBroker) setFail(fail bool) {
	b.mu.Lock()
	b.fail = fail
	b.mu.Unlock()
}

func (b *fakeBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("broker unavailable")
	}
	b.channels[topic] = append(b.channels[topic], payload)
	return nil
}

func (b *fakeBroker) Append(ctx context.Context, topic string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return "", errors.New("broker unavailable")
	}
	b.streams[topic] = append(b.streams[topic], payload)
	return fmt.Sprintf("%d-0", len(b.streams[topic])), nil
}

func (b *fakeBroker) Read(ctx context.Context, topic, from string, count int64, block time.Duration) ([]broker.Record, error) {
	return nil, nil
}

func (b *fakeBroker) Ping(ctx context.Context) error { return nil }
func (b *fakeBroker) Close() error                   { return nil }

func (b *fakeBroker) streamLen(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams[topic])
}

func testPublisherConfig() PublisherConfig {
	return PublisherConfig{
		SubscribeTimeout:   200 * time.Millisecond,
		IdleTimeout:        500 * time.Millisecond,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		StabilityWindow:    time.Hour, // Keep backoff behavior deterministic in tests
		QueueSize:          16,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPublisherPublishesQuotesAndTicks(t *testing.T) {
	src := newFakeSource()
	bkr := newFakeBroker()
	p := NewPublisher(testPublisherConfig(), scriptedFactory(src), bkr, []string{"NFO:NIFTY-FUT"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return p.State() == StateStreaming },
		"publisher never reached streaming")

	src.pushQuote("NFO:NIFTY-FUT", 24100.5, 1726212345000)
	src.pushTick("NFO:NIFTY-FUT", 24100.5, 1726212345000, 1)

	waitFor(t, time.Second, func() bool {
		return bkr.streamLen(broker.TopicQuotes) == 1 && bkr.streamLen(broker.TopicTicks) == 1
	}, "records never reached the broker")

	bkr.mu.Lock()
	quotePayload := bkr.streams[broker.TopicQuotes][0]
	channelPayload := bkr.channels[broker.TopicQuotes][0]
	bkr.mu.Unlock()

	q, err := model.DecodeQuote(quotePayload)
	if err != nil {
		t.Fatalf("DecodeQuote failed: %v", err)
	}
	if q.EntityKey != "NFO:NIFTY-FUT" {
		t.Errorf("EntityKey = %q, want NFO:NIFTY-FUT", q.EntityKey)
	}
	if q.EventTS != 1726212345000*1000 {
		t.Errorf("EventTS = %d, want ms converted to µs", q.EventTS)
	}
	if q.IngestTS == 0 {
		t.Error("IngestTS not stamped")
	}
	if string(channelPayload) != string(quotePayload) {
		t.Error("channel and stream payloads differ")
	}
}

func TestPublisherSubscribesWithResolvedKeys(t *testing.T) {
	src := newFakeSource()
	keys := []string{"NFO:A", "NFO:B", "NFO:C"}
	p := NewPublisher(testPublisherConfig(), scriptedFactory(src), newFakeBroker(), keys, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return p.State() == StateStreaming },
		"publisher never reached streaming")

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.subscribed) != 1 || len(src.subscribed[0]) != 3 {
		t.Fatalf("subscribed = %v, want one call with 3 keys", src.subscribed)
	}
	if src.subscribed[0][1] != "NFO:B" {
		t.Errorf("subscribed[0][1] = %q, want NFO:B", src.subscribed[0][1])
	}
}

func TestPublisherReconnectsOnTransportError(t *testing.T) {
	first := newFakeSource()
	second := newFakeSource()
	bkr := newFakeBroker()
	p := NewPublisher(testPublisherConfig(), scriptedFactory(first, second), bkr, []string{"NFO:X"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return p.State() == StateStreaming },
		"publisher never reached streaming")

	first.errs <- errors.New("connection reset")

	waitFor(t, time.Second, func() bool {
		second.mu.Lock()
		defer second.mu.Unlock()
		return len(second.subscribed) == 1
	}, "publisher never resubscribed on the new source")

	waitFor(t, time.Second, func() bool { return p.State() == StateStreaming },
		"publisher never resumed streaming")

	if got := p.Stats().Reconnects; got < 1 {
		t.Errorf("Reconnects = %d, want >= 1", got)
	}

	// The replacement connection must still deliver.
	second.pushQuote("NFO:X", 101.5, 1726212345000)
	waitFor(t, time.Second, func() bool { return bkr.streamLen(broker.TopicQuotes) == 1 },
		"record lost after reconnect")
}

func TestPublisherReconnectsOnIdleTimeout(t *testing.T) {
	first := newFakeSource()
	second := newFakeSource()
	p := NewPublisher(testPublisherConfig(), scriptedFactory(first, second), newFakeBroker(), []string{"NFO:X"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	// No data after the ack: the idle timeout must force a reconnect.
	waitFor(t, 3*time.Second, func() bool {
		second.mu.Lock()
		defer second.mu.Unlock()
		return len(second.subscribed) == 1
	}, "idle timeout never triggered a reconnect")
}

func TestPublisherHoldsRecordsThroughBrokerOutage(t *testing.T) {
	src := newFakeSource()
	bkr := newFakeBroker()
	bkr.setFail(true)

	p := NewPublisher(testPublisherConfig(), scriptedFactory(src), bkr, []string{"NFO:X"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return p.State() == StateStreaming },
		"publisher never reached streaming")

	for i := 0; i < 5; i++ {
		src.pushTick("NFO:X", 100+float64(i), 1726212345000+int64(i), int64(i+1))
	}

	waitFor(t, time.Second, func() bool { return p.Stats().PublishErrors > 0 },
		"publish errors never counted during outage")
	if bkr.streamLen(broker.TopicTicks) != 0 {
		t.Fatal("records reached broker while it was failing")
	}

	bkr.setFail(false)

	// Everything held in the queue drains after recovery.
	waitFor(t, 2*time.Second, func() bool { return bkr.streamLen(broker.TopicTicks) == 5 },
		"queued records not delivered after broker recovery")
}

func TestPublisherDropsOldestOnQueueOverflow(t *testing.T) {
	cfg := testPublisherConfig()
	cfg.QueueSize = 2

	src := newFakeSource()
	bkr := newFakeBroker()
	bkr.setFail(true)

	p := NewPublisher(cfg, scriptedFactory(src), bkr, []string{"NFO:X"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return p.State() == StateStreaming },
		"publisher never reached streaming")

	for i := 0; i < 10; i++ {
		src.pushTick("NFO:X", 100+float64(i), 1726212345000+int64(i), int64(i+1))
	}

	waitFor(t, 2*time.Second, func() bool { return p.Stats().Dropped > 0 },
		"overflow drops never counted")

	bkr.setFail(false)

	// The newest records survive; total delivered + dropped covers all 10
	// (one record may be held mid-retry by the publish loop).
	waitFor(t, 2*time.Second, func() bool {
		stats := p.Stats()
		return int64(bkr.streamLen(broker.TopicTicks))+stats.Dropped >= 10 &&
			bkr.streamLen(broker.TopicTicks) > 0
	}, "queue did not drain after recovery")
}

func TestPublisherStopReachesDisconnected(t *testing.T) {
	src := newFakeSource()
	p := NewPublisher(testPublisherConfig(), scriptedFactory(src), newFakeBroker(), []string{"NFO:X"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	waitFor(t, time.Second, func() bool { return p.State() == StateStreaming },
		"publisher never reached streaming")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := p.State(); got != StateDisconnected {
		t.Errorf("State = %s, want disconnected", got)
	}
}

func TestPublisherWarnsOnPartialSubscribeAck(t *testing.T) {
	src := newFakeSource() // Ack always reports one accepted token
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	keys := []string{"NFO:A", "NFO:B", "NFO:C"}
	p := NewPublisher(testPublisherConfig(), scriptedFactory(src), newFakeBroker(), keys, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return p.State() == StateStreaming },
		"publisher never reached streaming")

	if !strings.Contains(logBuf.String(), "fewer tokens") {
		t.Errorf("partial subscription ack not logged, got %q", logBuf.String())
	}
}

func TestPublisherSubscribeTimeoutTriggersReconnect(t *testing.T) {
	first := newFakeSource()
	first.ackSub = false // Never acknowledge
	second := newFakeSource()

	p := NewPublisher(testPublisherConfig(), scriptedFactory(first, second), newFakeBroker(), []string{"NFO:X"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool { return p.State() == StateStreaming },
		"publisher never recovered from subscribe timeout")

	second.mu.Lock()
	defer second.mu.Unlock()
	if len(second.subscribed) != 1 {
		t.Errorf("second source subscribed %d times, want 1", len(second.subscribed))
	}
}
