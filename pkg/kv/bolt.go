package kv

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var rootBucket = []byte("kv")

// BoltStore is a bbolt-backed Store. It is not itself linearizable
// across machines — bbolt is a single-file embedded database — so in a
// multi-node deployment this adapter is expected to sit behind a single
// elected writer or be swapped for an etcd/Consul-backed Store; the
// Store interface is what lets that swap happen without touching a
// single caller.
type BoltStore struct {
	db *bolt.DB

	mu   sync.RWMutex
	subs map[chan Event]string // channel -> prefix filter
}

// NewBoltStore opens (creating if necessary) a bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: create root bucket: %w", err)
	}
	return &BoltStore{db: db, subs: make(map[chan Event]string)}, nil
}

func (s *BoltStore) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(rootBucket).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, value != nil, err
}

func (s *BoltStore) Put(_ context.Context, key, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Put(key, value)
	})
	if err == nil {
		s.notify(Event{Key: key, Value: value})
	}
	return err
}

func (s *BoltStore) Delete(_ context.Context, key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Delete(key)
	})
	if err == nil {
		s.notify(Event{Key: key, Value: nil})
	}
	return err
}

func (s *BoltStore) CAS(_ context.Context, key, expected, newValue []byte) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		current := b.Get(key)
		if expected == nil {
			if current != nil {
				return nil
			}
		} else if !bytes.Equal(current, expected) {
			return nil
		}
		if newValue == nil {
			if err := b.Delete(key); err != nil {
				return err
			}
		} else if err := b.Put(key, newValue); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if ok {
		s.notify(Event{Key: key, Value: newValue})
	}
	return ok, nil
}

func (s *BoltStore) Scan(_ context.Context, prefix []byte) ([]Pair, error) {
	var pairs []Pair
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			pairs = append(pairs, Pair{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i].Key, pairs[j].Key) < 0 })
	return pairs, err
}

func (s *BoltStore) Watch(ctx context.Context, prefix []byte) (<-chan Event, error) {
	ch := make(chan Event, 64)
	s.mu.Lock()
	s.subs[ch] = string(prefix)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *BoltStore) notify(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch, prefix := range s.subs {
		if !bytes.HasPrefix(ev.Key, []byte(prefix)) {
			continue
		}
		select {
		case ch <- ev:
		default:
			// subscriber too slow, drop: watchers resync via Scan
		}
	}
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
