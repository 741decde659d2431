package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rmehra/marketpipe/internal/broker"
	"github.com/rmehra/marketpipe/internal/model"
)

// ErrSubscribeTimeout indicates no subscription acknowledgment arrived in time.
var ErrSubscribeTimeout = errors.New("subscribe ack timeout")

// PublisherConfig configures the feed publisher.
type PublisherConfig struct {
	SubscribeTimeout   time.Duration
	IdleTimeout        time.Duration // No data for this long while streaming → reconnect
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	StabilityWindow    time.Duration // Streaming this long resets backoff to base
	QueueSize          int           // Bounded publish queue capacity
}

// DefaultPublisherConfig returns sensible defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		SubscribeTimeout:   10 * time.Second,
		IdleTimeout:        30 * time.Second,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		StabilityWindow:    60 * time.Second,
		QueueSize:          10000,
	}
}

// PublisherStats is a point-in-time snapshot of publisher health, served by
// the daemon's status endpoint.
type PublisherStats struct {
	State         ConnState
	Published     int64 // Records delivered to both broker primitives
	Dropped       int64 // Records dropped on queue overflow
	PublishErrors int64 // Failed broker publish attempts
	ParseErrors   int64 // Undecodable frames
	Reconnects    int64
	QueueLen      int
}

// outRecord is one encoded record awaiting broker publication.
type outRecord struct {
	topic   string
	payload []byte
}

// Publisher owns the single logical feed connection and republishes every
// received record onto the broker: the ephemeral channel for fan-out and the
// durable stream for replay.
type Publisher struct {
	cfg       PublisherConfig
	newSource SourceFactory
	broker    broker.Broker
	keys      []string // Subscription list from the instrument registry
	logger    *slog.Logger

	// Bounded queue between the frame path and the broker path. Publishing
	// must never block on a slow broker; the queue absorbs outages up to
	// its capacity and then sheds the oldest records. Bounded memory is the
	// guarantee kept here, not zero loss: an overflow is counted and
	// logged, never silent.
	queue chan outRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	state ConnState
	stats PublisherStats
}

// NewPublisher creates a feed publisher. keys is the resolved subscription
// list; newSource builds a fresh transport per connection attempt.
func NewPublisher(cfg PublisherConfig, newSource SourceFactory, b broker.Broker, keys []string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		cfg:       cfg,
		newSource: newSource,
		broker:    b,
		keys:      keys,
		logger:    logger,
		queue:     make(chan outRecord, cfg.QueueSize),
		state:     StateDisconnected,
	}
}

// Start begins the connection and publish loops.
func (p *Publisher) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.connectionLoop()
	go p.publishLoop()

	p.logger.Info("feed publisher started",
		"instruments", len(p.keys),
		"queue_size", p.cfg.QueueSize,
	)
	return nil
}

// Stop gracefully shuts down.
func (p *Publisher) Stop(ctx context.Context) error {
	p.logger.Info("stopping feed publisher")

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("feed publisher stopped")
	case <-ctx.Done():
		p.logger.Warn("feed publisher stop timed out")
	}

	p.setState(StateDisconnected)
	return nil
}

// State returns the current connection state.
func (p *Publisher) State() ConnState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Stats returns a snapshot of publisher metrics.
func (p *Publisher) Stats() PublisherStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := p.stats
	stats.State = p.state
	stats.QueueLen = len(p.queue)
	return stats
}

func (p *Publisher) setState(s ConnState) {
	p.mu.Lock()
	old := p.state
	p.state = s
	p.mu.Unlock()

	if old != s {
		p.logger.Info("connection state change", "from", old, "to", s)
	}
}

// connectionLoop drives the connection state machine: connect, subscribe,
// stream, and reconnect with exponential backoff on any failure.
func (p *Publisher) connectionLoop() {
	defer p.wg.Done()

	backoff := p.cfg.ReconnectBaseDelay

	for {
		if p.ctx.Err() != nil {
			p.setState(StateDisconnected)
			return
		}

		p.setState(StateConnecting)
		src := p.newSource()

		if err := src.Connect(p.ctx); err != nil {
			src.Close()
			if p.ctx.Err() != nil {
				p.setState(StateDisconnected)
				return
			}
			p.logger.Warn("feed connect failed", "error", err, "retry_in", backoff)
			backoff = p.waitReconnect(backoff)
			continue
		}

		p.setState(StateSubscribing)
		if err := p.subscribe(src); err != nil {
			src.Close()
			if p.ctx.Err() != nil {
				p.setState(StateDisconnected)
				return
			}
			p.logger.Warn("feed subscribe failed", "error", err, "retry_in", backoff)
			backoff = p.waitReconnect(backoff)
			continue
		}

		p.setState(StateStreaming)
		streamStart := time.Now()

		err := p.streamLoop(src)
		src.Close()

		if p.ctx.Err() != nil {
			p.setState(StateDisconnected)
			return
		}

		// A stable streaming period resets the backoff to base.
		if time.Since(streamStart) >= p.cfg.StabilityWindow {
			backoff = p.cfg.ReconnectBaseDelay
		}

		p.logger.Warn("feed stream interrupted", "error", err, "retry_in", backoff)
		backoff = p.waitReconnect(backoff)
	}
}

// waitReconnect transitions to RECONNECTING, sleeps the backoff, and returns
// the next (doubled, capped) delay.
func (p *Publisher) waitReconnect(backoff time.Duration) time.Duration {
	p.setState(StateReconnecting)

	p.mu.Lock()
	p.stats.Reconnects++
	p.mu.Unlock()

	select {
	case <-p.ctx.Done():
	case <-time.After(backoff):
	}

	backoff *= 2
	if backoff > p.cfg.ReconnectMaxDelay {
		backoff = p.cfg.ReconnectMaxDelay
	}
	return backoff
}

// subscribe sends the subscription command and waits for acknowledgment. A
// data frame arriving before the ack counts as acknowledgment; it is handled,
// not discarded.
func (p *Publisher) subscribe(src Source) error {
	if err := src.Subscribe(p.ctx, p.keys); err != nil {
		return err
	}

	deadline := time.NewTimer(p.cfg.SubscribeTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()

		case <-deadline.C:
			return ErrSubscribeTimeout

		case err := <-src.Errors():
			return err

		case f, ok := <-src.Frames():
			if !ok {
				return ErrNotConnected
			}

			typ, err := decodeEnvelope(f.Data)
			if err != nil {
				continue
			}

			switch typ {
			case "subscribed":
				var ack subscribedWire
				json.Unmarshal(f.Data, &ack)
				if ack.Count < len(p.keys) {
					p.logger.Warn("feed accepted fewer tokens than requested",
						"requested", len(p.keys), "accepted", ack.Count)
				}
				return nil
			case "error":
				var e errorWire
				json.Unmarshal(f.Data, &e)
				return fmt.Errorf("%w: %s %s", ErrSubscribeFailed, e.Code, e.Message)
			default:
				p.handleFrame(f)
				return nil
			}
		}
	}
}

// streamLoop forwards frames until a transport error, idle timeout, or stop.
func (p *Publisher) streamLoop(src Source) error {
	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return nil

		case err := <-src.Errors():
			return err

		case <-idle.C:
			return ErrIdleTimeout

		case f, ok := <-src.Frames():
			if !ok {
				return ErrNotConnected
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.IdleTimeout)

			p.handleFrame(f)
		}
	}
}

// handleFrame decodes a frame, stamps ingest time, and enqueues the encoded
// record for broker publication.
func (p *Publisher) handleFrame(f Frame) {
	typ, err := decodeEnvelope(f.Data)
	if err != nil {
		p.countParseError()
		p.logger.Warn("undecodable frame", "error", err)
		return
	}

	switch typ {
	case "quote":
		q, err := parseQuote(f)
		if err != nil {
			p.countParseError()
			p.logger.Warn("bad quote frame", "error", err)
			return
		}
		payload, err := model.EncodeQuote(q)
		if err != nil {
			p.countParseError()
			return
		}
		p.enqueue(outRecord{topic: broker.TopicQuotes, payload: payload})

	case "tick":
		t, err := parseTick(f)
		if err != nil {
			p.countParseError()
			p.logger.Warn("bad tick frame", "error", err)
			return
		}
		payload, err := model.EncodeTick(t)
		if err != nil {
			p.countParseError()
			return
		}
		p.enqueue(outRecord{topic: broker.TopicTicks, payload: payload})

	case "subscribed", "error":
		// Control frames outside the subscribe handshake; nothing to do.

	default:
		p.logger.Debug("skipping frame type", "type", typ)
	}
}

// enqueue adds a record to the publish queue. On overflow the oldest record
// is dropped and counted so memory stays bounded during broker outages.
func (p *Publisher) enqueue(rec outRecord) {
	select {
	case p.queue <- rec:
		return
	default:
	}

	// Queue full: shed the oldest and retry once.
	select {
	case <-p.queue:
		p.countDropped()
	default:
	}

	select {
	case p.queue <- rec:
	default:
		p.countDropped()
	}
}

// publishLoop drains the queue to the broker, retrying failed publishes with
// the same backoff policy as reconnects while the queue absorbs new records.
func (p *Publisher) publishLoop() {
	defer p.wg.Done()

	backoff := p.cfg.ReconnectBaseDelay

	for {
		select {
		case <-p.ctx.Done():
			return

		case rec := <-p.queue:
			for {
				err := p.publishRecord(rec)
				if err == nil {
					backoff = p.cfg.ReconnectBaseDelay
					p.mu.Lock()
					p.stats.Published++
					p.mu.Unlock()
					break
				}

				p.mu.Lock()
				p.stats.PublishErrors++
				p.mu.Unlock()
				p.logger.Warn("broker publish failed", "topic", rec.topic, "error", err, "retry_in", backoff)

				select {
				case <-p.ctx.Done():
					return
				case <-time.After(backoff):
				}

				backoff *= 2
				if backoff > p.cfg.ReconnectMaxDelay {
					backoff = p.cfg.ReconnectMaxDelay
				}
			}
		}
	}
}

// publishRecord delivers one record to both broker primitives. The stream is
// the durability source of truth; a retried record may be seen twice on the
// ephemeral channel, which its at-most-once consumers already tolerate.
func (p *Publisher) publishRecord(rec outRecord) error {
	if err := p.broker.Publish(p.ctx, rec.topic, rec.payload); err != nil {
		return err
	}
	if _, err := p.broker.Append(p.ctx, rec.topic, rec.payload); err != nil {
		return err
	}
	return nil
}

func (p *Publisher) countParseError() {
	p.mu.Lock()
	p.stats.ParseErrors++
	p.mu.Unlock()
}

func (p *Publisher) countDropped() {
	p.mu.Lock()
	p.stats.Dropped++
	p.mu.Unlock()
}
