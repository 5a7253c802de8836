package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/skovert/arbiter/internal/apperr"
)

// subBuffer bounds each subscriber channel. When a slow consumer falls
// behind, the oldest buffered event is dropped so the latest snapshot still
// gets through.
const subBuffer = 32

// Memory is an in-memory Store. A single mutex serializes all access, which
// makes every Update trivially atomic. It backs local game modes (pass-and-
// play, vs-computer) and all tests.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]Doc
	subs    map[int64]*memorySub
	nextSub int64
}

type memorySub struct {
	prefix string
	ch     chan Event
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]Doc),
		subs: make(map[int64]*memorySub),
	}
}

func (m *Memory) Get(ctx context.Context, key string) (Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return Doc{}, apperr.NotFoundf("doc %q", key)
	}
	return doc, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Doc
	for key, doc := range m.docs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Put(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeLocked(key, data)
	return nil
}

func (m *Memory) CreateIfAbsent(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[key]; ok {
		return false, nil
	}
	m.writeLocked(key, data)
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return nil
	}
	delete(m.docs, key)
	m.emitLocked(Event{Doc: Doc{Key: key, Version: doc.Version}, Deleted: true})
	return nil
}

// memoryTx stages writes against the locked store.
type memoryTx struct {
	store   *Memory
	writes  map[string]json.RawMessage
	creates map[string]bool
	deletes map[string]bool
}

func (t *memoryTx) Get(key string) (Doc, error) {
	if t.deletes[key] {
		return Doc{}, apperr.NotFoundf("doc %q", key)
	}
	doc, ok := t.store.docs[key]
	if !ok {
		return Doc{}, apperr.NotFoundf("doc %q", key)
	}
	return doc, nil
}

func (t *memoryTx) Put(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	delete(t.deletes, key)
	t.writes[key] = data
	return nil
}

func (t *memoryTx) Create(key string, v interface{}) error {
	if _, ok := t.store.docs[key]; ok {
		return apperr.Conflictf("doc %q already exists", key)
	}
	if err := t.Put(key, v); err != nil {
		return err
	}
	t.creates[key] = true
	return nil
}

func (t *memoryTx) Delete(key string) {
	delete(t.writes, key)
	t.deletes[key] = true
}

func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		store:   m,
		writes:  make(map[string]json.RawMessage),
		creates: make(map[string]bool),
		deletes: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for key, data := range tx.writes {
		m.writeLocked(key, data)
	}
	for key := range tx.deletes {
		if doc, ok := m.docs[key]; ok {
			delete(m.docs, key)
			m.emitLocked(Event{Doc: Doc{Key: key, Version: doc.Version}, Deleted: true})
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, prefix string) (<-chan Event, func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	sub := &memorySub{prefix: prefix, ch: make(chan Event, subBuffer)}
	m.subs[id] = sub

	// Seed with the current matching documents so late subscribers still see
	// state written before they attached.
	for key, doc := range m.docs {
		if strings.HasPrefix(key, prefix) {
			sub.send(Event{Doc: doc})
		}
	}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s, ok := m.subs[id]; ok && !s.closed {
			s.closed = true
			delete(m.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// writeLocked stores the document, bumps its version, and notifies
// subscribers. Caller holds the mutex.
func (m *Memory) writeLocked(key string, data json.RawMessage) {
	doc := Doc{Key: key, Version: m.docs[key].Version + 1, Data: data}
	m.docs[key] = doc
	m.emitLocked(Event{Doc: doc})
}

func (m *Memory) emitLocked(ev Event) {
	for _, sub := range m.subs {
		if strings.HasPrefix(ev.Doc.Key, sub.prefix) {
			sub.send(ev)
		}
	}
}

// send delivers without blocking; if the buffer is full the oldest event is
// discarded, since every event carries a full snapshot.
func (s *memorySub) send(ev Event) {
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
			logrus.StandardLogger().WithField("key", ev.Doc.Key).Warn("dropping event, subscriber stalled")
		}
	}
}
