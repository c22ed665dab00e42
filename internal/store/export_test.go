package store

// SetNow overrides the store's clock for tests.
func (s *EventStore) SetNow(f func() float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = f
}
