// Package subscribe fans reconciled state out to observers. A Registry holds
// at most one Subscription per topic; the first subscriber brings the topic's
// channel up, the last one tears it down.
package subscribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/opswatch/jobsync/internal/connection"
	"github.com/opswatch/jobsync/internal/protocol"
	"github.com/opswatch/jobsync/internal/reconcile"
	"github.com/opswatch/jobsync/pkg/debug"
)

// Topic names one sync stream on the server.
type Topic string

const (
	// TopicJobs is the stream of all job records visible to this client.
	TopicJobs Topic = "jobs"
	// TopicPool is the connected-worker pool status stream.
	TopicPool Topic = "pool"
)

// JobTopic returns the single-job stream for the given id.
func JobTopic(id string) Topic {
	return Topic("job:" + id)
}

// Observer receives state changes for one subscription. Nil fields are
// skipped. Callbacks are synchronous and in delivery order; they must not
// call back into the Registry for the same topic.
type Observer struct {
	// OnChange receives the full reconciled collection after every merge.
	OnChange func(entities []reconcile.Entity)
	// OnTerminal fires at most once per entity for the life of the
	// subscription, when that entity first reaches a terminal status.
	OnTerminal func(entity reconcile.Entity)
	// OnPool receives each worker pool snapshot.
	OnPool func(pool protocol.PoolStatus)
	// OnNotification receives out-of-band display notices.
	OnNotification func(payload json.RawMessage)
	// OnConnectivity receives the terminal error when automatic
	// reconnection gives up.
	OnConnectivity func(err error)
}

// Lifecycle is the slice of the connection manager the registry drives.
type Lifecycle interface {
	Connect()
	Disconnect()
	State() connection.State
}

// Connector builds the lifecycle manager for one topic's channel. Injected
// in tests; production wiring uses WebSocketConnector.
type Connector func(topic Topic, cb connection.Callbacks) Lifecycle

// Fetcher retrieves a full snapshot of the current job records over the
// command API, for seeding after a connectivity gap.
type Fetcher func(ctx context.Context) ([]protocol.EntityUpdate, error)

// Options configures a Registry.
type Options struct {
	Connector Connector
	Fetcher   Fetcher
	// RefetchOnExhaust re-seeds from the Fetcher and redials automatically
	// when a subscription's reconnect attempts run out.
	RefetchOnExhaust bool
}

// WebSocketConnector returns a Connector that dials base.URL with the topic
// appended as a query parameter, carrying the rest of base unchanged.
func WebSocketConnector(base connection.Config) Connector {
	return func(topic Topic, cb connection.Callbacks) Lifecycle {
		cfg := base
		cfg.URL = topicURL(base.URL, topic)
		return connection.New(cfg, cb)
	}
}

func topicURL(base string, topic Topic) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("topic", string(topic))
	u.RawQuery = q.Encode()
	return u.String()
}

// Registry manages one Subscription per topic, created lazily on the first
// Subscribe and destroyed on the last unsubscribe.
type Registry struct {
	mu   sync.Mutex
	subs map[Topic]*subscription
	opts Options
}

// NewRegistry creates a registry. Options.Connector is required.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		subs: make(map[Topic]*subscription),
		opts: opts,
	}
}

// subscription owns one channel and one reconciliation engine for a topic.
// sub.mu serializes merge + fan-out, so every message is fully delivered to
// all observers before the next one is processed.
type subscription struct {
	topic Topic
	reg   *Registry

	mu        sync.Mutex
	conn      Lifecycle
	engine    *reconcile.Engine
	observers []observerEntry
	nextID    int
	torn      bool
}

type observerEntry struct {
	id  int
	obs *Observer
}

// Subscribe attaches an observer to the topic, creating the subscription and
// opening its channel if it is the first. The returned function detaches the
// observer; when the last observer detaches, the channel is closed and no
// further callbacks are delivered. The returned function is idempotent.
//
// The observer is attached while r.mu is held, the same lock detach takes
// before marking a subscription torn, so an observer can never land on a
// subscription that a concurrent last detach already removed.
func (r *Registry) Subscribe(topic Topic, obs *Observer) func() {
	r.mu.Lock()
	sub, ok := r.subs[topic]
	if !ok {
		sub = &subscription{
			topic:  topic,
			reg:    r,
			engine: reconcile.NewEngine(),
		}
		sub.conn = r.opts.Connector(topic, connection.Callbacks{
			OnOpen:    sub.onOpen,
			OnMessage: sub.onMessage,
			OnClose:   sub.onClose,
			OnError:   sub.onError,
		})
		r.subs[topic] = sub
		debug.Info("Subscription created for topic %s", topic)
	}

	sub.mu.Lock()
	id := sub.nextID
	sub.nextID++
	sub.observers = append(sub.observers, observerEntry{id: id, obs: obs})
	sub.mu.Unlock()
	r.mu.Unlock()

	if !ok {
		sub.conn.Connect()
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.detach(sub, id) })
	}
}

func (r *Registry) detach(sub *subscription, id int) {
	r.mu.Lock()
	sub.mu.Lock()
	for i, e := range sub.observers {
		if e.id == id {
			sub.observers = append(sub.observers[:i], sub.observers[i+1:]...)
			break
		}
	}
	last := len(sub.observers) == 0
	if last {
		sub.torn = true
		delete(r.subs, sub.topic)
	}
	sub.mu.Unlock()
	r.mu.Unlock()

	if last {
		debug.Info("Last observer detached from %s, tearing down", sub.topic)
		sub.conn.Disconnect()
	}
}

// Snapshot returns the reconciled entities for the topic in insertion order,
// or nil when nothing is subscribed to it.
func (r *Registry) Snapshot(topic Topic) []reconcile.Entity {
	r.mu.Lock()
	sub := r.subs[topic]
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.engine.Snapshot()
}

// Pool returns the last worker pool snapshot seen on the topic.
func (r *Registry) Pool(topic Topic) (protocol.PoolStatus, bool) {
	r.mu.Lock()
	sub := r.subs[topic]
	r.mu.Unlock()
	if sub == nil {
		return protocol.PoolStatus{}, false
	}
	return sub.engine.Pool()
}

// Seed feeds command-path results through the topic's merge entry point, so
// HTTP responses and pushed updates reconcile identically. Observers are
// notified the same way as for a pushed update.
func (r *Registry) Seed(topic Topic, updates []protocol.EntityUpdate) {
	r.mu.Lock()
	sub := r.subs[topic]
	r.mu.Unlock()
	if sub == nil {
		debug.Debug("Seed dropped, no subscription for %s", topic)
		return
	}
	sub.seed(updates)
}

// Reconnect refetches a full snapshot over the command API, merges it, and
// redials the topic's channel. This is the recovery path after the terminal
// connectivity error.
func (r *Registry) Reconnect(ctx context.Context, topic Topic) error {
	r.mu.Lock()
	sub := r.subs[topic]
	fetch := r.opts.Fetcher
	r.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("no subscription for topic %s", topic)
	}

	if fetch != nil {
		updates, err := fetch(ctx)
		if err != nil {
			return fmt.Errorf("snapshot refetch for %s: %w", topic, err)
		}
		sub.seed(updates)
	}
	sub.conn.Connect()
	return nil
}

func (s *subscription) onOpen() {
	debug.Info("Topic %s channel open", s.topic)
}

func (s *subscription) onClose(code int) {
	debug.Debug("Topic %s channel closed with code %d", s.topic, code)
}

// onMessage decodes one frame and runs merge + fan-out under the
// subscription lock. Undecodable frames are dropped here.
func (s *subscription) onMessage(raw []byte) {
	d := protocol.Decode(raw)
	if d == nil {
		debug.Warning("Dropping undecodable frame on %s (%d bytes)", s.topic, len(raw))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return
	}

	switch d.Type {
	case protocol.TypeEntityUpdate:
		s.mergeLocked(*d.Entity)
	case protocol.TypePoolStatus:
		s.engine.ApplyPool(*d.Pool)
		for _, e := range s.observers {
			if e.obs.OnPool != nil {
				e.obs.OnPool(*d.Pool)
			}
		}
	case protocol.TypeSideNotification:
		for _, e := range s.observers {
			if e.obs.OnNotification != nil {
				e.obs.OnNotification(d.Side)
			}
		}
	case protocol.TypeHeartbeat:
		// Liveness only; the read deadline already accounts for it.
	}
}

func (s *subscription) seed(updates []protocol.EntityUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return
	}
	for _, u := range updates {
		s.mergeLocked(u)
	}
}

// mergeLocked applies one update and notifies observers: terminal first so a
// consumer sees the transition before the collection that contains it.
func (s *subscription) mergeLocked(u protocol.EntityUpdate) {
	ent, fired := s.engine.Apply(u)
	if fired {
		for _, e := range s.observers {
			if e.obs.OnTerminal != nil {
				e.obs.OnTerminal(ent)
			}
		}
	}
	snap := s.engine.Snapshot()
	for _, e := range s.observers {
		if e.obs.OnChange != nil {
			e.obs.OnChange(snap)
		}
	}
}

// onError receives the exhausted-reconnect error from the lifecycle manager.
func (s *subscription) onError(err error) {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	observers := make([]observerEntry, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	debug.Error("Topic %s connectivity lost: %v", s.topic, err)
	for _, e := range observers {
		if e.obs.OnConnectivity != nil {
			e.obs.OnConnectivity(err)
		}
	}

	if s.reg.opts.RefetchOnExhaust && s.reg.opts.Fetcher != nil {
		go func() {
			if rerr := s.reg.Reconnect(context.Background(), s.topic); rerr != nil {
				debug.Error("Automatic recovery for %s failed: %v", s.topic, rerr)
			}
		}()
	}
}
