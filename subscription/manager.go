// Package subscription owns the connection to the field transport: a
// reference-counted table of topic patterns, ordered dispatch to handlers,
// presence publication and reconnection with re-subscription.
package subscription

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/health"
	"github.com/amoahfrank/firewatch/metric"
	"github.com/amoahfrank/firewatch/pkg/buffer"
	"github.com/amoahfrank/firewatch/pkg/retry"
	"github.com/amoahfrank/firewatch/telemetry"
)

// Handler processes one inbound message. A returned error or a panic is logged
// and counted; it never affects other handlers or later messages.
type Handler func(ctx context.Context, msg Message) error

// Config tunes the manager
type Config struct {
	PresenceTopic     string        `json:"presence_topic" yaml:"presence_topic"`
	PresenceQoS       byte          `json:"presence_qos" yaml:"presence_qos"`
	SubscribeQoS      byte          `json:"subscribe_qos" yaml:"subscribe_qos"`
	ConnectTimeout    time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	PublishTimeout    time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
	DisconnectQuiesce time.Duration `json:"disconnect_quiesce" yaml:"disconnect_quiesce"`
	Reconnect         retry.Config  `json:"reconnect" yaml:"reconnect"`
	InboxSize         int           `json:"inbox_size" yaml:"inbox_size"`
	HoldLimit         int           `json:"hold_limit" yaml:"hold_limit"`
	OutboxLimit       int           `json:"outbox_limit" yaml:"outbox_limit"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		PresenceTopic:     telemetry.NewTopics("").Presence(),
		PresenceQoS:       1,
		SubscribeQoS:      1,
		ConnectTimeout:    10 * time.Second,
		PublishTimeout:    5 * time.Second,
		DisconnectQuiesce: 250 * time.Millisecond,
		Reconnect:         retry.DefaultConfig(),
		InboxSize:         1024,
		HoldLimit:         1024,
		OutboxLimit:       256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.HoldLimit <= 0 {
		c.HoldLimit = d.HoldLimit
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = d.OutboxLimit
	}
	return c
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateDisconnected
	stateFailed
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDisconnected:
		return "disconnected"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Subscription is one handler registration. Several may share a pattern.
type Subscription struct {
	pattern string
	seq     uint64
	handler Handler
	mgr     *Manager
}

// Pattern returns the topic pattern
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Unsubscribe releases this registration. The transport subscription is
// removed with the last registration for the pattern.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.mgr.release(ctx, s)
}

type patternEntry struct {
	pattern string
	qos     byte
	subs    []*Subscription
}

type envelope struct {
	gen    uint64
	msg    Message
	resume bool
}

type outbound struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// Manager owns the transport session
type Manager struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger
	metrics   *metric.Metrics
	now       func() time.Time

	// subMu serializes table changes against (re)subscription on the transport
	subMu sync.Mutex

	mu      sync.RWMutex
	state   state
	gen     uint64
	looping bool
	table   map[string]*patternEntry
	nextSeq uint64
	outbox  *buffer.Buffer[outbound]

	inbox chan envelope
	done  chan struct{}
	errs  chan error

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics records transport metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock replaces time.Now for presence timestamps
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager for transport. Nothing is connected until Connect.
func NewManager(transport Transport, cfg Config, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil transport"), "Manager", "NewManager", "validate")
	}
	if err := cfg.Reconnect.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Manager", "NewManager", "validate reconnect policy")
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		transport: transport,
		cfg:       cfg,
		now:       time.Now,
		table:     make(map[string]*patternEntry),
		inbox:     make(chan envelope, cfg.InboxSize),
		done:      make(chan struct{}),
		errs:      make(chan error, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "subscription")

	outbox, err := buffer.New(cfg.OutboxLimit, buffer.WithDropCallback[outbound](func(o outbound) {
		m.logger.Warn("Outbound queue full, dropping oldest message", "topic", o.topic)
	}))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Manager", "NewManager", "create outbound queue")
	}
	m.outbox = outbox

	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Errors delivers fatal errors, such as an exhausted reconnect budget.
// Closed after Shutdown.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// IsConnected reports whether the session is established and fully re-subscribed
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	st := m.state
	m.mu.RUnlock()
	return st == stateConnected && m.transport.IsConnected()
}

// Patterns returns the active topic patterns in registration order
func (m *Manager) Patterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.patternsLocked()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.pattern
	}
	return out
}

// Connect establishes the session, retrying per the reconnect policy. Patterns
// registered beforehand are subscribed before Connect returns.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.state == stateClosed:
		m.mu.Unlock()
		return errors.Wrap(errors.ErrShuttingDown, "Manager", "Connect", "connect")
	case m.state == stateConnected:
		m.mu.Unlock()
		return nil
	case m.looping:
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Connect", "connect already in progress")
	}
	m.looping = true
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.dispatchLoop()
	})
	m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(m.ctx)
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	defer cancel()

	err := m.connectLoop(loopCtx)
	m.finishLoop(err)
	return err
}

func (m *Manager) connectLoop(ctx context.Context) error {
	err := retry.DoNotify(ctx, m.cfg.Reconnect, func() error {
		return m.connectOnce(ctx)
	}, func(attempt int, err error, wait time.Duration) {
		m.logger.Warn("Transport connect failed, retrying",
			"attempt", attempt, "retry_in", wait, "error", err)
		if m.metrics != nil {
			m.metrics.ReconnectAttempts.Inc()
		}
	})

	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, errors.ErrShuttingDown), ctx.Err() != nil:
		return errors.Wrap(err, "Manager", "connect", "establish session")
	default:
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrReconnectExhausted, err),
			"Manager", "connect", "establish session")
	}
}

// finishLoop clears the connect-loop flag and restarts it if the session was
// lost between the loop's last success and now.
func (m *Manager) finishLoop(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.looping = false
	switch {
	case m.state == stateClosed:
	case err != nil && errors.IsFatal(err):
		m.state = stateFailed
	case err != nil:
		m.state = stateDisconnected
	case m.state == stateDisconnected:
		m.spawnReconnectLocked()
	}
}

func (m *Manager) spawnReconnectLocked() {
	if m.looping || m.state == stateClosed {
		return
	}
	m.looping = true
	m.wg.Add(1)
	go m.reconnect()
}

func (m *Manager) reconnect() {
	defer m.wg.Done()

	err := m.connectLoop(m.ctx)
	m.finishLoop(err)
	if err == nil || !errors.IsFatal(err) {
		return
	}

	m.logger.Error("Giving up on transport", "error", err)
	select {
	case m.errs <- err:
	default:
	}
}

func (m *Manager) connectionLost(gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state == stateClosed || m.state == stateDisconnected {
		return
	}
	m.state = stateDisconnected
	if m.metrics != nil {
		m.metrics.RecordTransportStatus(false)
	}
	m.logger.Warn("Transport connection lost", "generation", gen, "error", cause)
	m.spawnReconnectLocked()
}

// connectOnce opens a new session generation, re-subscribes every active
// pattern, publishes presence and flushes queued publishes. Messages of the new
// generation are held until all of that has succeeded.
func (m *Manager) connectOnce(ctx context.Context) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return retry.Permanent(errors.ErrShuttingDown)
	}
	m.gen++
	gen := m.gen
	m.state = stateConnecting
	patterns := m.patternsLocked()
	m.mu.Unlock()

	if m.transport.IsConnected() {
		m.transport.Disconnect(0)
	}

	connCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	err := m.transport.Connect(connCtx, ConnectOptions{
		Will:             m.presenceWill(),
		OnMessage:        func(msg Message) { m.receive(gen, msg) },
		OnConnectionLost: func(err error) { m.connectionLost(gen, err) },
	})
	if err != nil {
		return errors.WrapTransient(err, "Manager", "connectOnce", "connect transport")
	}

	fail := func(err error, action string) error {
		m.transport.Disconnect(0)
		return errors.WrapTransient(err, "Manager", "connectOnce", action)
	}

	for _, p := range patterns {
		if err := m.transport.Subscribe(connCtx, p.pattern, p.qos); err != nil {
			return fail(err, "resubscribe "+p.pattern)
		}
	}
	if err := m.publishPresence(connCtx, telemetry.PresenceOnline); err != nil {
		return fail(err, "publish presence")
	}
	if err := m.flushOutbox(connCtx, gen); err != nil {
		return fail(err, "flush outbound queue")
	}

	if m.metrics != nil {
		m.metrics.RecordTransportStatus(true)
	}
	m.logger.Info("Transport connected", "generation", gen, "patterns", len(patterns))

	// Wake the dispatcher so held messages go out even if nothing else arrives.
	// A full inbox will wake it anyway.
	select {
	case m.inbox <- envelope{gen: gen, resume: true}:
	default:
	}
	return nil
}

// flushOutbox publishes queued messages and, once the queue is empty, marks the
// session connected under the same lock Publish uses to decide whether to queue.
func (m *Manager) flushOutbox(ctx context.Context, gen uint64) error {
	for {
		m.mu.Lock()
		if m.gen != gen || m.state != stateConnecting {
			m.mu.Unlock()
			return errors.ErrConnectionLost
		}
		item, ok := m.outbox.Read()
		if !ok {
			m.state = stateConnected
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		if err := m.transport.Publish(ctx, item.topic, item.payload, item.qos, item.retained); err != nil {
			m.outbox.Requeue(item)
			return err
		}
	}
}

func (m *Manager) presencePayload(status string) []byte {
	payload, _ := json.Marshal(telemetry.Presence{Status: status, Timestamp: m.now().UTC()})
	return payload
}

func (m *Manager) presenceWill() *Will {
	if m.cfg.PresenceTopic == "" {
		return nil
	}
	return &Will{
		Topic:    m.cfg.PresenceTopic,
		Payload:  m.presencePayload(telemetry.PresenceOffline),
		QoS:      m.cfg.PresenceQoS,
		Retained: true,
	}
}

func (m *Manager) publishPresence(ctx context.Context, status string) error {
	if m.cfg.PresenceTopic == "" {
		return nil
	}
	return m.transport.Publish(ctx, m.cfg.PresenceTopic, m.presencePayload(status), m.cfg.PresenceQoS, true)
}

// patternsLocked returns table entries ordered by their oldest registration
func (m *Manager) patternsLocked() []*patternEntry {
	entries := make([]*patternEntry, 0, len(m.table))
	for _, e := range m.table {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].subs[0].seq < entries[j].subs[0].seq
	})
	return entries
}

// Subscribe registers handler for pattern. The first registration of a pattern
// subscribes on the transport when connected; otherwise on the next connect.
func (m *Manager) Subscribe(ctx context.Context, pattern string, handler Handler) (*Subscription, error) {
	if pattern == "" || handler == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("pattern and handler are required"),
			"Manager", "Subscribe", "validate")
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return nil, errors.Wrap(errors.ErrShuttingDown, "Manager", "Subscribe", "subscribe")
	}
	_, exists := m.table[pattern]
	connected := m.state == stateConnected
	m.mu.Unlock()

	if !exists && connected {
		if err := m.transport.Subscribe(ctx, pattern, m.cfg.SubscribeQoS); err != nil {
			return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSubscriptionFailed, err),
				"Manager", "Subscribe", "subscribe "+pattern)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	sub := &Subscription{pattern: pattern, seq: m.nextSeq, handler: handler, mgr: m}
	entry, ok := m.table[pattern]
	if !ok {
		entry = &patternEntry{pattern: pattern, qos: m.cfg.SubscribeQoS}
		m.table[pattern] = entry
	}
	entry.subs = append(entry.subs, sub)

	m.logger.Debug("Subscribed", "pattern", pattern, "refs", len(entry.subs))
	return sub, nil
}

// Unsubscribe releases the most recent registration for pattern
func (m *Manager) Unsubscribe(ctx context.Context, pattern string) error {
	m.mu.RLock()
	var last *Subscription
	if entry, ok := m.table[pattern]; ok {
		last = entry.subs[len(entry.subs)-1]
	}
	m.mu.RUnlock()

	if last == nil {
		return errors.WrapInvalid(fmt.Errorf("no subscription for %q", pattern),
			"Manager", "Unsubscribe", "release")
	}
	return m.release(ctx, last)
}

func (m *Manager) release(ctx context.Context, sub *Subscription) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	entry, ok := m.table[sub.pattern]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	idx := -1
	for i, s := range entry.subs {
		if s == sub {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return nil
	}
	entry.subs = append(entry.subs[:idx], entry.subs[idx+1:]...)
	last := len(entry.subs) == 0
	if last {
		delete(m.table, sub.pattern)
	}
	connected := m.state == stateConnected
	m.mu.Unlock()

	if last && connected {
		if err := m.transport.Unsubscribe(ctx, sub.pattern); err != nil {
			return errors.WrapTransient(err, "Manager", "Unsubscribe", "unsubscribe "+sub.pattern)
		}
	}
	return nil
}

// Publish sends payload to topic. While the session is being re-established the
// message is queued, bounded and oldest-first dropped, and sent after re-subscription.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	return m.publish(ctx, outbound{topic: topic, payload: payload, qos: qos})
}

// PublishRetained is Publish with the broker retain flag set
func (m *Manager) PublishRetained(ctx context.Context, topic string, payload []byte, qos byte) error {
	return m.publish(ctx, outbound{topic: topic, payload: payload, qos: qos, retained: true})
}

func (m *Manager) publish(ctx context.Context, out outbound) error {
	m.mu.Lock()
	switch m.state {
	case stateClosed:
		m.mu.Unlock()
		return errors.Wrap(errors.ErrShuttingDown, "Manager", "Publish", "publish "+out.topic)
	case stateFailed:
		m.mu.Unlock()
		return errors.WrapFatal(errors.ErrReconnectExhausted, "Manager", "Publish", "publish "+out.topic)
	case stateConnected:
		m.mu.Unlock()
	default:
		m.outbox.Write(out)
		m.mu.Unlock()
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
	defer cancel()

	err := m.transport.Publish(pubCtx, out.topic, out.payload, out.qos, out.retained)
	if err == nil {
		return nil
	}
	if !m.transport.IsConnected() {
		m.mu.Lock()
		m.outbox.Write(out)
		m.mu.Unlock()
		return nil
	}
	return errors.WrapTransient(err, "Manager", "Publish", "publish "+out.topic)
}

// QueuedPublishes returns the number of messages waiting for a connection
func (m *Manager) QueuedPublishes() int {
	return m.outbox.Len()
}

func (m *Manager) receive(gen uint64, msg Message) {
	m.signal(envelope{gen: gen, msg: msg})
}

func (m *Manager) signal(env envelope) {
	select {
	case m.inbox <- env:
	case <-m.done:
	}
}

func (m *Manager) connState() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen, m.state == stateConnected
}

// dispatchLoop delivers messages in arrival order. Messages of the current
// generation that arrive before re-subscription completes are held; messages of
// an expired generation are discarded.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()

	held, _ := buffer.New(m.cfg.HoldLimit, buffer.WithDropCallback[envelope](func(e envelope) {
		m.logger.Warn("Hold buffer full, dropping message", "topic", e.msg.Topic)
	}))

	for {
		select {
		case <-m.done:
			return
		case env := <-m.inbox:
			gen, connected := m.connState()
			if env.gen != gen {
				if !env.resume {
					m.logger.Debug("Discarding message from expired connection",
						"topic", env.msg.Topic, "generation", env.gen)
				}
				continue
			}
			if !connected {
				if !env.resume {
					held.Write(env)
				}
				continue
			}
			for _, h := range held.Drain() {
				if h.gen == gen {
					m.dispatch(h.msg)
				}
			}
			if !env.resume {
				m.dispatch(env.msg)
			}
		}
	}
}

func (m *Manager) dispatch(msg Message) {
	m.mu.RLock()
	var matched []*Subscription
	for pattern, entry := range m.table {
		if telemetry.MatchTopic(pattern, msg.Topic) {
			matched = append(matched, entry.subs...)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	for _, sub := range matched {
		m.invoke(sub, msg)
	}
}

func (m *Manager) invoke(sub *Subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Subscription handler panicked",
				"pattern", sub.pattern, "topic", msg.Topic, "panic", r)
			m.recordHandlerFailure(sub.pattern)
		}
	}()

	if err := sub.handler(m.ctx, msg); err != nil {
		m.logger.Warn("Subscription handler failed",
			"pattern", sub.pattern, "topic", msg.Topic, "error", err)
		m.recordHandlerFailure(sub.pattern)
	}
}

func (m *Manager) recordHandlerFailure(pattern string) {
	if m.metrics != nil {
		m.metrics.HandlerFailures.WithLabelValues(pattern).Inc()
	}
}

// HealthCheck reports the session state
func (m *Manager) HealthCheck(_ context.Context) health.Status {
	m.mu.RLock()
	st := m.state
	m.mu.RUnlock()

	switch st {
	case stateConnected:
		return health.NewHealthy("transport", "connected")
	case stateConnecting, stateDisconnected:
		return health.NewDegraded("transport", st.String())
	default:
		return health.NewUnhealthy("transport", st.String())
	}
}

// Shutdown publishes offline presence when connected, disconnects, and stops
// the dispatcher and any reconnect loop.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		err = m.shutdown(ctx)
	})
	return err
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.mu.Lock()
	wasConnected := m.state == stateConnected
	m.state = stateClosed
	m.mu.Unlock()
	m.cancel()

	var errs []error
	if wasConnected {
		pubCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
		if err := m.publishPresence(pubCtx, telemetry.PresenceOffline); err != nil {
			errs = append(errs, errors.Wrap(err, "Manager", "Shutdown", "publish offline presence"))
		}
		cancel()
	}
	m.transport.Disconnect(m.cfg.DisconnectQuiesce)
	if m.metrics != nil {
		m.metrics.RecordTransportStatus(false)
	}
	close(m.done)

	stopped := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		close(m.errs)
	case <-ctx.Done():
		errs = append(errs, errors.Wrap(ctx.Err(), "Manager", "Shutdown", "wait for workers"))
	}

	if dropped := m.outbox.Len(); dropped > 0 {
		m.logger.Warn("Discarding queued publishes at shutdown", "count", dropped)
	}
	m.logger.Info("Subscription manager stopped")
	return stderrors.Join(errs...)
}
