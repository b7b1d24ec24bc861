// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package queuestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/harborstackd/harborstackd/internal/cache"
	"github.com/harborstackd/harborstackd/internal/logging"
	"github.com/harborstackd/harborstackd/internal/metrics"
)

// ErrQueueNotFound is returned for operations against an undeclared queue.
var ErrQueueNotFound = errors.New("queuestore: queue not found")

// ErrQueueExists is returned by CreateQueue for a duplicate name.
var ErrQueueExists = errors.New("queuestore: queue already exists")

// Message is one stored queue entry.
type Message struct {
	ID               string            `json:"id"`
	Body             []byte            `json:"body"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	SystemAttributes map[string]string `json:"system_attributes,omitempty"`

	ReceiveCount    int       `json:"receive_count"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
	FirstReceivedAt time.Time `json:"first_received_at"`
	InvisibleUntil  time.Time `json:"invisible_until"`

	// FIFO-only fields.
	GroupID string `json:"group_id,omitempty"`
	DedupID string `json:"dedup_id,omitempty"`

	seq uint64
}

// QueueConfig declares one queue's behavior.
type QueueConfig struct {
	FIFO              bool
	VisibilityTimeout time.Duration
	MaxReceiveCount   int    // 0 = never dead-letter
	DeadLetterQueue   string // target queue name; empty = drop is disabled, redeliver forever
}

type queue struct {
	name string
	cfg  QueueConfig
	db   *badger.DB

	mu      sync.Mutex
	nextSeq uint64
	dedup   *cache.BloomLRU // FIFO dedup IDs within the 5-minute window
}

// Store owns every declared queue's Badger handle.
type Store struct {
	dataDir  string
	inMemory bool

	mu     sync.RWMutex
	queues map[string]*queue
}

const keyPrefix = "m:"

// New opens the queue root under dataDir/queue.
func New(dataDir string, inMemory bool) (*Store, error) {
	if !inMemory {
		if err := os.MkdirAll(filepath.Join(dataDir, "queue"), 0o750); err != nil {
			return nil, fmt.Errorf("queuestore: create root: %w", err)
		}
	}
	return &Store{dataDir: dataDir, inMemory: inMemory, queues: make(map[string]*queue)}, nil
}

// CreateQueue opens the queue's store. Duplicate names conflict.
func (s *Store) CreateQueue(name string, cfg QueueConfig) error {
	if name == "" {
		return errors.New("queuestore: empty queue name")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[name]; ok {
		return ErrQueueExists
	}

	opts := badger.DefaultOptions(filepath.Join(s.dataDir, "queue", name+".db"))
	if s.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("queuestore: open %q: %w", name, err)
	}

	q := &queue{
		name:  name,
		cfg:   cfg,
		db:    db,
		dedup: cache.NewBloomLRU(10000, 5*time.Minute, 0.01),
	}
	if err := q.loadNextSeq(); err != nil {
		_ = db.Close()
		return err
	}
	s.queues[name] = q
	return nil
}

// QueueExists reports whether name has been declared.
func (s *Store) QueueExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.queues[name]
	return ok
}

// QueueNames lists declared queues.
func (s *Store) QueueNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.queues))
	for name := range s.queues {
		out = append(out, name)
	}
	return out
}

// Config returns a queue's declared configuration.
func (s *Store) Config(name string) (QueueConfig, error) {
	q, err := s.queue(name)
	if err != nil {
		return QueueConfig{}, err
	}
	return q.cfg, nil
}

// Send enqueues body. For FIFO queues a repeated dedupID within the
// deduplication window is dropped silently and the original message's ID
// returned semantics are not required, so Send reports the drop via ok.
func (s *Store) Send(name string, body []byte, attrs map[string]string, groupID, dedupID string) (*Message, bool, error) {
	q, err := s.queue(name)
	if err != nil {
		return nil, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.FIFO && dedupID != "" {
		if q.dedup.IsDuplicate(groupID + "\x00" + dedupID) {
			return nil, false, nil
		}
	}

	msg := &Message{
		ID:         uuid.NewString(),
		Body:       body,
		Attributes: attrs,
		EnqueuedAt: time.Now().UTC(),
		GroupID:    groupID,
		DedupID:    dedupID,
		seq:        q.nextSeq,
	}
	q.nextSeq++

	if err := q.write(msg); err != nil {
		return nil, false, err
	}
	metrics.QueueDepth.WithLabelValues(name).Inc()
	return msg, true, nil
}

// Receive leases up to max visible messages, in enqueue order. Each
// delivered message's receive count is incremented and its invisibility
// window extended to now + the queue's visibility timeout. A message
// already past the queue's max receive count is routed to the dead-letter
// queue instead of being delivered.
//
// For FIFO queues, a group with an earlier in-flight message contributes
// nothing: later messages of that group stay invisible until the earlier
// one is acknowledged or redelivered, preserving per-group send order.
func (s *Store) Receive(name string, max int) ([]*Message, error) {
	q, err := s.queue(name)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var delivered []*Message
	var deadLettered []*Message
	blockedGroups := map[string]bool{}

	all, err := q.scan()
	if err != nil {
		return nil, err
	}

	for _, msg := range all {
		inFlight := msg.InvisibleUntil.After(now)
		if q.cfg.FIFO && msg.GroupID != "" {
			if inFlight || blockedGroups[msg.GroupID] {
				blockedGroups[msg.GroupID] = true
				continue
			}
		}
		if inFlight {
			continue
		}
		if q.cfg.MaxReceiveCount > 0 && q.cfg.DeadLetterQueue != "" && msg.ReceiveCount >= q.cfg.MaxReceiveCount {
			deadLettered = append(deadLettered, msg)
			continue
		}
		if len(delivered) >= max {
			if q.cfg.FIFO && msg.GroupID != "" {
				blockedGroups[msg.GroupID] = true
			}
			continue
		}

		if msg.ReceiveCount > 0 {
			metrics.QueueRedeliveries.WithLabelValues(name).Inc()
		}
		msg.ReceiveCount++
		if msg.FirstReceivedAt.IsZero() {
			msg.FirstReceivedAt = now
		}
		msg.InvisibleUntil = now.Add(q.cfg.VisibilityTimeout)
		if err := q.write(msg); err != nil {
			return nil, err
		}
		delivered = append(delivered, msg)
		if q.cfg.FIFO && msg.GroupID != "" {
			// At most one in-flight batch entry per group keeps ordering.
			blockedGroups[msg.GroupID] = true
		}
	}

	for _, msg := range deadLettered {
		if err := s.routeToDeadLetterLocked(q, msg); err != nil {
			logging.Error().Str("queue", name).Str("message_id", msg.ID).Err(err).
				Msg("queuestore: dead-letter routing failed, message left in source")
		}
	}

	return delivered, nil
}

// routeToDeadLetterLocked moves msg from q to its configured dead-letter
// queue. Caller holds q.mu.
func (s *Store) routeToDeadLetterLocked(q *queue, msg *Message) error {
	if q.cfg.DeadLetterQueue == "" {
		return nil
	}
	s.mu.RLock()
	dlq, ok := s.queues[q.cfg.DeadLetterQueue]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: dead-letter %q", ErrQueueNotFound, q.cfg.DeadLetterQueue)
	}

	dlq.mu.Lock()
	moved := *msg
	moved.InvisibleUntil = time.Time{}
	moved.seq = dlq.nextSeq
	dlq.nextSeq++
	err := dlq.write(&moved)
	dlq.mu.Unlock()
	if err != nil {
		return err
	}

	if err := q.delete(msg.seq); err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(q.name).Dec()
	metrics.QueueDepth.WithLabelValues(dlq.name).Inc()
	metrics.QueueDeadLettered.WithLabelValues(q.name).Inc()
	logging.Warn().Str("queue", q.name).Str("dead_letter", dlq.name).Str("message_id", msg.ID).
		Int("receive_count", msg.ReceiveCount).Msg("queuestore: message dead-lettered")
	return nil
}

// Ack acknowledges (deletes) a delivered message by ID.
func (s *Store) Ack(name, messageID string) error {
	q, err := s.queue(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	all, err := q.scan()
	if err != nil {
		return err
	}
	for _, msg := range all {
		if msg.ID == messageID {
			if err := q.delete(msg.seq); err != nil {
				return err
			}
			metrics.QueueDepth.WithLabelValues(name).Dec()
			return nil
		}
	}
	// Acknowledging an unknown or already-deleted message is a no-op,
	// matching at-least-once delivery semantics.
	return nil
}

// ChangeVisibility resets a delivered message's invisibility window, the
// logical-level visibility-timeout override.
func (s *Store) ChangeVisibility(name, messageID string, timeout time.Duration) error {
	q, err := s.queue(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	all, err := q.scan()
	if err != nil {
		return err
	}
	for _, msg := range all {
		if msg.ID == messageID {
			msg.InvisibleUntil = time.Now().UTC().Add(timeout)
			return q.write(msg)
		}
	}
	return fmt.Errorf("queuestore: message %q not found in %q", messageID, name)
}

// Depth counts messages currently visible in the queue.
func (s *Store) Depth(name string) (int, error) {
	q, err := s.queue(name)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	all, err := q.scan()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	n := 0
	for _, msg := range all {
		if !msg.InvisibleUntil.After(now) {
			n++
		}
	}
	return n, nil
}

// Purge deletes every message in the queue.
func (s *Store) Purge(name string) error {
	q, err := s.queue(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.DropAll()
}

// Reset purges every queue.
func (s *Store) Reset() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var errs []error
	for name, q := range s.queues {
		q.mu.Lock()
		if err := q.db.DropAll(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		q.dedup.Clear()
		q.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Close releases every queue's handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, q := range s.queues {
		if err := q.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(s.queues, name)
	}
	return errors.Join(errs...)
}

func (s *Store) queue(name string) (*queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrQueueNotFound, name)
	}
	return q, nil
}

func (q *queue) key(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func (q *queue) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// seq rides outside the JSON body so redeliveries keep their slot.
	return q.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(q.key(msg.seq), data).WithMeta(0)
		return txn.SetEntry(entry)
	})
}

func (q *queue) delete(seq uint64) error {
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(q.key(seq))
	})
}

// scan returns every stored message in enqueue (key) order.
func (q *queue) scan() ([]*Message, error) {
	var out []*Message
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var seq uint64
			if _, err := fmt.Sscanf(string(item.Key()), keyPrefix+"%d", &seq); err != nil {
				continue
			}
			err := item.Value(func(val []byte) error {
				var msg Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return err
				}
				msg.seq = seq
				out = append(out, &msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// loadNextSeq seeds the in-memory sequence counter from the highest
// stored key, so a persisted queue keeps appending after restart.
func (q *queue) loadNextSeq() error {
	return q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		// Reverse iteration needs a seek past the prefix range.
		it.Seek([]byte(keyPrefix + "~"))
		if it.ValidForPrefix([]byte(keyPrefix)) {
			var seq uint64
			if _, err := fmt.Sscanf(string(it.Item().Key()), keyPrefix+"%d", &seq); err == nil {
				q.nextSeq = seq + 1
			}
		}
		return nil
	})
}
