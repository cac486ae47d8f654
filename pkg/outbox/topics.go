package outbox

import "strings"

// TopicResolver derives broker topic names from event types. An event type
// "user.created" under prefix "outpost" publishes to "outpost.user.events",
// so every event for one aggregate family shares a topic.
type TopicResolver struct {
	prefix string
}

// NewTopicResolver builds a resolver for the given topic prefix.
func NewTopicResolver(prefix string) *TopicResolver {
	return &TopicResolver{prefix: strings.TrimSpace(prefix)}
}

// TopicFor resolves the topic for an event. The first dotted segment of the
// event type names the aggregate family; event types without a dot fall back
// to the row's aggregate type.
func (r *TopicResolver) TopicFor(eventType, aggregateType string) string {
	segment := eventType
	if idx := strings.IndexByte(eventType, '.'); idx > 0 {
		segment = eventType[:idx]
	} else if aggregateType != "" {
		segment = aggregateType
	}
	segment = strings.TrimSpace(segment)
	if r.prefix == "" {
		return segment + ".events"
	}
	return r.prefix + "." + segment + ".events"
}
