// Package testutil provides in-memory fakes and fixtures for tests: a broker
// transport, a recording persister and alert sink, and reading builders.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amoahfrank/firewatch/subscription"
	"github.com/amoahfrank/firewatch/telemetry"
)

// ErrFakeNotConnected is returned by FakeTransport operations without a session
var ErrFakeNotConnected = errors.New("fake transport: not connected")

// Published is one message recorded by FakeTransport
type Published struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// FakeTransport is an in-memory broker session implementing subscription.Transport.
// Each Connect starts a clean session. Ops records every call in order.
type FakeTransport struct {
	mu sync.Mutex

	connected    bool
	opts         subscription.ConnectOptions
	subs         map[string]byte
	published    []Published
	retained     map[string][]byte
	ops          []string
	connectCalls int

	connectErrs []error
	connectErr  error
	publishErr  error
	onSubscribe func(pattern string)
}

// NewFakeTransport returns a disconnected fake
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		subs:     make(map[string]byte),
		retained: make(map[string][]byte),
	}
}

// FailNextConnects makes the next n Connect calls fail with err
func (f *FakeTransport) FailNextConnects(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.connectErrs = append(f.connectErrs, err)
	}
}

// SetConnectError makes every Connect fail with err until cleared with nil
func (f *FakeTransport) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// SetPublishError makes every Publish fail with err until cleared with nil
func (f *FakeTransport) SetPublishError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// OnSubscribe installs a hook run, outside the fake's lock, after each Subscribe
func (f *FakeTransport) OnSubscribe(hook func(pattern string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubscribe = hook
}

// Connect implements subscription.Transport
func (f *FakeTransport) Connect(ctx context.Context, opts subscription.ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connectCalls++
	f.ops = append(f.ops, "connect")
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	if f.connectErr != nil {
		return f.connectErr
	}

	f.connected = true
	f.opts = opts
	f.subs = make(map[string]byte)
	return nil
}

// Subscribe implements subscription.Transport
func (f *FakeTransport) Subscribe(_ context.Context, pattern string, qos byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrFakeNotConnected
	}
	f.subs[pattern] = qos
	f.ops = append(f.ops, "subscribe "+pattern)
	hook := f.onSubscribe
	f.mu.Unlock()

	if hook != nil {
		hook(pattern)
	}
	return nil
}

// Unsubscribe implements subscription.Transport
func (f *FakeTransport) Unsubscribe(_ context.Context, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrFakeNotConnected
	}
	delete(f.subs, pattern)
	f.ops = append(f.ops, "unsubscribe "+pattern)
	return nil
}

// Publish implements subscription.Transport
func (f *FakeTransport) Publish(_ context.Context, topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrFakeNotConnected
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.record(Published{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (f *FakeTransport) record(p Published) {
	f.published = append(f.published, p)
	f.ops = append(f.ops, "publish "+p.Topic)
	if p.Retained {
		f.retained[p.Topic] = p.Payload
	}
}

// Disconnect implements subscription.Transport. It does not publish the will.
func (f *FakeTransport) Disconnect(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.ops = append(f.ops, "disconnect")
	}
	f.connected = false
}

// IsConnected implements subscription.Transport
func (f *FakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Drop simulates an ungraceful connection loss: the broker publishes the will
// and the connection-lost callback fires.
func (f *FakeTransport) Drop(cause error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return
	}
	f.connected = false
	f.ops = append(f.ops, "drop")
	if w := f.opts.Will; w != nil {
		f.record(Published{Topic: w.Topic, Payload: w.Payload, QoS: w.QoS, Retained: w.Retained})
	}
	lost := f.opts.OnConnectionLost
	f.mu.Unlock()

	if lost != nil {
		lost(cause)
	}
}

// Deliver sends an inbound message if a subscribed pattern matches topic
func (f *FakeTransport) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	if !f.connected || !f.matchesLocked(topic) {
		f.mu.Unlock()
		return false
	}
	onMessage := f.opts.OnMessage
	f.mu.Unlock()

	onMessage(subscription.Message{Topic: topic, Payload: payload, QoS: 1})
	return true
}

// MessageCallback returns the inbound callback of the current connection, so a
// test can replay it after that connection has expired.
func (f *FakeTransport) MessageCallback() func(subscription.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts.OnMessage
}

func (f *FakeTransport) matchesLocked(topic string) bool {
	for pattern := range f.subs {
		if telemetry.MatchTopic(pattern, topic) {
			return true
		}
	}
	return false
}

// Will returns the will registered by the current connection
func (f *FakeTransport) Will() *subscription.Will {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts.Will
}

// Subscriptions returns the patterns subscribed on the current session
func (f *FakeTransport) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for p := range f.subs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Published returns every recorded publication, in order
func (f *FakeTransport) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Published(nil), f.published...)
}

// PublishedTo returns the payloads published to topic, in order
func (f *FakeTransport) PublishedTo(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, p := range f.published {
		if p.Topic == topic {
			out = append(out, p.Payload)
		}
	}
	return out
}

// Retained returns the retained payload for topic
func (f *FakeTransport) Retained(topic string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.retained[topic]
	return p, ok
}

// Ops returns the call log
func (f *FakeTransport) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// ConnectCalls returns how many times Connect was called
func (f *FakeTransport) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// String summarizes the fake for assertion messages
func (f *FakeTransport) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("FakeTransport{connected=%v subs=%d published=%d}", f.connected, len(f.subs), len(f.published))
}
