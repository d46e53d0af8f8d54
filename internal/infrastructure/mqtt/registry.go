package mqtt

import (
	"sort"
	"sync"
)

// Subscription is a topic filter the manager restores after a session resume.
type Subscription struct {
	Topic string
	QoS   byte
}

// subscriptionRegistry is the set of topics subscribed successfully.
// Subscribing to the same topic twice keeps one entry with the latest QoS.
type subscriptionRegistry struct {
	mu     sync.RWMutex
	topics map[string]byte
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{topics: make(map[string]byte)}
}

func (r *subscriptionRegistry) add(topic string, qos byte) {
	r.mu.Lock()
	r.topics[topic] = qos
	r.mu.Unlock()
}

func (r *subscriptionRegistry) has(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[topic]
	return ok
}

func (r *subscriptionRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// snapshot returns the subscriptions sorted by topic.
func (r *subscriptionRegistry) snapshot() []Subscription {
	r.mu.RLock()
	subs := make([]Subscription, 0, len(r.topics))
	for topic, qos := range r.topics {
		subs = append(subs, Subscription{Topic: topic, QoS: qos})
	}
	r.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Topic < subs[j].Topic })
	return subs
}
