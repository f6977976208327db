package set

import (
	"errors"
	"sync"
)

// Returned when an added key already exists in the set.
var ErrCollision = errors.New("key already exists")

// Returned when a requested item does not exist in the set.
var ErrMissing = errors.New("item does not exist")

// Returned when a nil item is added. Nil values are considered expired and invalid.
var ErrNil = errors.New("item value must not be nil")

type IterFunc func(key string, item Item) error

// Set is a keyed collection of items safe for concurrent use.
type Set struct {
	sync.RWMutex
	lookup map[string]Item
}

// New creates a new empty set.
func New() *Set {
	return &Set{
		lookup: map[string]Item{},
	}
}

// Clear removes all items and returns the ones that were removed.
func (s *Set) Clear() []Item {
	s.Lock()
	old := s.lookup
	s.lookup = map[string]Item{}
	s.Unlock()

	r := make([]Item, 0, len(old))
	for _, item := range old {
		r = append(r, item)
	}
	return r
}

// Len returns the size of the set right now.
func (s *Set) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.lookup)
}

// In checks if an item exists in this set.
func (s *Set) In(key string) bool {
	_, err := s.Get(key)
	return err == nil
}

// Get returns an item with the given key.
func (s *Set) Get(key string) (Item, error) {
	s.RLock()
	item, ok := s.lookup[key]
	s.RUnlock()

	if ok && item.Value() == nil {
		s.cleanup(key)
		ok = false
	}
	if !ok {
		return nil, ErrMissing
	}

	return item, nil
}

// Remove expired keys. Must not be called while holding the lock.
func (s *Set) cleanup(keys ...string) {
	s.Lock()
	for _, key := range keys {
		item, ok := s.lookup[key]
		if ok && item.Value() == nil {
			delete(s.lookup, key)
		}
	}
	s.Unlock()
}

// AddNew adds item to this set if it does not exist already.
func (s *Set) AddNew(item Item) error {
	if item.Value() == nil {
		return ErrNil
	}
	key := item.Key()

	s.Lock()
	defer s.Unlock()

	oldItem, found := s.lookup[key]
	if found && oldItem.Value() != nil {
		return ErrCollision
	}
	s.lookup[key] = item
	return nil
}

// Remove item from this set.
func (s *Set) Remove(key string) error {
	s.Lock()
	defer s.Unlock()

	_, found := s.lookup[key]
	if !found {
		return ErrMissing
	}
	delete(s.lookup, key)
	return nil
}

// Each loops over every item while holding a read lock and applies fn to each
// element. fn must not mutate the set.
func (s *Set) Each(fn IterFunc) error {
	var expired []string
	defer func() {
		if len(expired) > 0 {
			s.cleanup(expired...)
		}
	}()

	s.RLock()
	defer s.RUnlock()
	for key, item := range s.lookup {
		if item.Value() == nil {
			expired = append(expired, key)
			continue
		}
		if err := fn(key, item); err != nil {
			// Abort early
			return err
		}
	}
	return nil
}

// Snapshot returns a point-in-time copy of the live items, so callers can
// iterate without holding the lock.
func (s *Set) Snapshot() []Item {
	r := []Item{}
	s.Each(func(_ string, item Item) error {
		r = append(r, item)
		return nil
	})
	return r
}
