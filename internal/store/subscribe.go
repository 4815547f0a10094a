package store

// Subscribe returns a channel receiving every subsequent mutation and a
// function that ends the subscription and closes the channel. Events are
// dropped for a subscriber whose buffer is full; writers never block.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, buffer)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// publish must be called with s.mu held.
func (s *Store) publish(ev Event) {
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// A lost resolve would resurrect the alert in the archive.
			event := s.log.Debug()
			if ev.Kind == EventAlertResolved {
				event = s.log.Warn()
			}
			event.
				Int("subscriber", id).
				Str("event", ev.Kind.String()).
				Msg("Subscriber buffer full, dropping event")
		}
	}
}
