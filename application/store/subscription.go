package store

import (
	"sort"

	"go.uber.org/zap"

	"lattice-core/domain/outline"
)

// Token identifies one subscription for Unsubscribe.
type Token int

// Subscriber receives every store event. Callbacks run synchronously on the
// mutating goroutine, in subscription order, before the mutation returns.
// They may read the store but must not mutate it from inside the callback.
type Subscriber func(event outline.Event)

// Subscribe registers a wildcard subscriber and returns its token.
func (s *Store) Subscribe(fn Subscriber) Token {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.nextToken++
	token := Token(s.nextToken)
	s.subscribers[token] = fn
	if s.metrics != nil {
		s.metrics.Subscribers.Set(float64(len(s.subscribers)))
	}
	return token
}

// Unsubscribe removes a subscriber. Unknown tokens are a no-op.
func (s *Store) Unsubscribe(token Token) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	delete(s.subscribers, token)
	if s.metrics != nil {
		s.metrics.Subscribers.Set(float64(len(s.subscribers)))
	}
}

// notify delivers one event to every subscriber, each with its own copy of
// the node. A panicking subscriber is contained and logged; the remaining
// subscribers still run and the mutation itself stands.
func (s *Store) notify(event outline.Event) {
	s.subMu.RLock()
	tokens := make([]Token, 0, len(s.subscribers))
	for token := range s.subscribers {
		tokens = append(tokens, token)
	}
	s.subMu.RUnlock()
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	for _, token := range tokens {
		s.subMu.RLock()
		fn, ok := s.subscribers[token]
		s.subMu.RUnlock()
		if !ok {
			// Unsubscribed from inside an earlier callback.
			continue
		}

		delivery := event
		if event.Node != nil {
			delivery.Node = event.Node.Clone()
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					if s.metrics != nil {
						s.metrics.SubscriberPanics.Inc()
					}
					s.logger.Error("subscriber panicked during notification",
						zap.Int("token", int(token)),
						zap.String("event", string(event.Kind)),
						zap.Any("panic", r),
					)
				}
			}()
			fn(delivery)
		}()
	}

	if s.metrics != nil {
		s.metrics.Notifications.Inc()
	}
}
