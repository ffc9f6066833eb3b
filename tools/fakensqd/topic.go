package main

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// daemonMessage is one queued message. Attempts increments on every
// delivery, mirroring nsqd's redelivery accounting.
type daemonMessage struct {
	id       [16]byte
	body     []byte
	attempts uint16
}

func newDaemonMessage(body []byte) *daemonMessage {
	msg := &daemonMessage{body: body}
	raw := uuid.New()
	hex.Encode(msg.id[:], raw[:8])
	return msg
}

// subscriber is one consumer connection attached to a channel. send returns
// false when the connection is no longer writable.
type subscriber interface {
	send(msg *daemonMessage) bool
	credit() int64
	consumeCredit()
}

type inFlightEntry struct {
	msg      *daemonMessage
	sub      subscriber
	deadline time.Time
}

// channel owns a delivery queue, the in-flight window, and the attached
// subscribers. Delivery is credit-driven: a message leaves the queue only
// when some subscriber has RDY credit for it.
type channel struct {
	name       string
	msgTimeout time.Duration

	lock        sync.Mutex
	queue       []*daemonMessage
	inFlight    map[[16]byte]*inFlightEntry
	subscribers []subscriber
	next        int
}

func newChannel(name string, msgTimeout time.Duration) *channel {
	return &channel{
		name:       name,
		msgTimeout: msgTimeout,
		inFlight:   make(map[[16]byte]*inFlightEntry),
	}
}

func (ch *channel) subscribe(sub subscriber) {
	ch.lock.Lock()
	ch.subscribers = append(ch.subscribers, sub)
	ch.lock.Unlock()
	ch.dispatch()
}

// unsubscribe detaches the connection and requeues everything it had in
// flight so another consumer can pick it up.
func (ch *channel) unsubscribe(sub subscriber) {
	ch.lock.Lock()
	for i, current := range ch.subscribers {
		if current == sub {
			ch.subscribers = append(ch.subscribers[:i], ch.subscribers[i+1:]...)
			break
		}
	}
	for id, entry := range ch.inFlight {
		if entry.sub == sub {
			delete(ch.inFlight, id)
			ch.queue = append(ch.queue, entry.msg)
		}
	}
	ch.lock.Unlock()
	ch.dispatch()
}

func (ch *channel) publish(msg *daemonMessage) {
	ch.lock.Lock()
	ch.queue = append(ch.queue, msg)
	ch.lock.Unlock()
	ch.dispatch()
}

// dispatch drains the queue into subscribers with available credit,
// round-robin across connections.
func (ch *channel) dispatch() {
	ch.lock.Lock()
	defer ch.lock.Unlock()

	for len(ch.queue) > 0 {
		sub := ch.pickSubscriber()
		if sub == nil {
			return
		}

		msg := ch.queue[0]
		ch.queue = ch.queue[1:]
		msg.attempts++
		sub.consumeCredit()
		ch.inFlight[msg.id] = &inFlightEntry{
			msg:      msg,
			sub:      sub,
			deadline: time.Now().Add(ch.msgTimeout),
		}

		if !sub.send(msg) {
			// Connection died mid-delivery; put the message back.
			delete(ch.inFlight, msg.id)
			ch.queue = append([]*daemonMessage{msg}, ch.queue...)
			return
		}
	}
}

func (ch *channel) pickSubscriber() subscriber {
	for i := 0; i < len(ch.subscribers); i++ {
		sub := ch.subscribers[(ch.next+i)%len(ch.subscribers)]
		if sub.credit() > 0 {
			ch.next = (ch.next + i + 1) % len(ch.subscribers)
			return sub
		}
	}
	return nil
}

func (ch *channel) finish(id [16]byte) bool {
	ch.lock.Lock()
	_, ok := ch.inFlight[id]
	delete(ch.inFlight, id)
	ch.lock.Unlock()
	return ok
}

func (ch *channel) requeue(id [16]byte, delay time.Duration) bool {
	ch.lock.Lock()
	entry, ok := ch.inFlight[id]
	delete(ch.inFlight, id)
	ch.lock.Unlock()
	if !ok {
		return false
	}

	if delay <= 0 {
		ch.publish(entry.msg)
		return true
	}
	time.AfterFunc(delay, func() { ch.publish(entry.msg) })
	return true
}

func (ch *channel) touch(id [16]byte) bool {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	entry, ok := ch.inFlight[id]
	if ok {
		entry.deadline = time.Now().Add(ch.msgTimeout)
	}
	return ok
}

// sweepExpired requeues every in-flight message past its deadline.
func (ch *channel) sweepExpired(now time.Time) int {
	ch.lock.Lock()
	expired := 0
	for id, entry := range ch.inFlight {
		if now.After(entry.deadline) {
			delete(ch.inFlight, id)
			ch.queue = append(ch.queue, entry.msg)
			expired++
		}
	}
	ch.lock.Unlock()
	if expired > 0 {
		ch.dispatch()
	}
	return expired
}

func (ch *channel) depth() (queued int, inFlight int) {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return len(ch.queue), len(ch.inFlight)
}

// topic fans published messages out to every channel. Messages published
// before the first channel exists are buffered and handed to that channel,
// matching nsqd.
type topic struct {
	name       string
	msgTimeout time.Duration

	lock     sync.Mutex
	channels map[string]*channel
	pending  [][]byte
}

func newTopic(name string, msgTimeout time.Duration) *topic {
	return &topic{
		name:       name,
		msgTimeout: msgTimeout,
		channels:   make(map[string]*channel),
	}
}

func (t *topic) publish(body []byte) {
	t.lock.Lock()
	if len(t.channels) == 0 {
		t.pending = append(t.pending, body)
		t.lock.Unlock()
		return
	}
	targets := make([]*channel, 0, len(t.channels))
	for _, ch := range t.channels {
		targets = append(targets, ch)
	}
	t.lock.Unlock()

	for _, ch := range targets {
		ch.publish(newDaemonMessage(body))
	}
}

func (t *topic) channel(name string) *channel {
	t.lock.Lock()
	ch, ok := t.channels[name]
	if !ok {
		ch = newChannel(name, t.msgTimeout)
		t.channels[name] = ch
		if len(t.channels) == 1 {
			for _, body := range t.pending {
				ch.publish(newDaemonMessage(body))
			}
			t.pending = nil
		}
	}
	t.lock.Unlock()
	return ch
}

func (t *topic) eachChannel(visit func(*channel)) {
	t.lock.Lock()
	targets := make([]*channel, 0, len(t.channels))
	for _, ch := range t.channels {
		targets = append(targets, ch)
	}
	t.lock.Unlock()
	for _, ch := range targets {
		visit(ch)
	}
}

// topicRegistry is the daemon-global topic table. A background sweeper
// enforces the in-flight timeout across all channels.
type topicRegistry struct {
	msgTimeout time.Duration

	lock   sync.Mutex
	topics map[string]*topic
}

func newTopicRegistry(msgTimeout time.Duration) *topicRegistry {
	registry := &topicRegistry{
		msgTimeout: msgTimeout,
		topics:     make(map[string]*topic),
	}
	go registry.sweepLoop()
	return registry
}

func (registry *topicRegistry) topic(name string) *topic {
	registry.lock.Lock()
	t, ok := registry.topics[name]
	if !ok {
		t = newTopic(name, registry.msgTimeout)
		registry.topics[name] = t
	}
	registry.lock.Unlock()
	return t
}

func (registry *topicRegistry) eachTopic(visit func(*topic)) {
	registry.lock.Lock()
	targets := make([]*topic, 0, len(registry.topics))
	for _, t := range registry.topics {
		targets = append(targets, t)
	}
	registry.lock.Unlock()
	for _, t := range targets {
		visit(t)
	}
}

func (registry *topicRegistry) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for now := range ticker.C {
		registry.eachTopic(func(t *topic) {
			t.eachChannel(func(ch *channel) {
				ch.sweepExpired(now)
			})
		})
	}
}
