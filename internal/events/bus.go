package events

import "context"

// Bus fans one published Event out to every active subscriber, mirroring
// original_source's EventBus semantics: subscribers only see events
// published after they subscribe, and a slow subscriber may drop events
// rather than block the publisher.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe() (ch <-chan Event, unsubscribe func())
	Close() error
}

// Open returns a NATS-backed Bus when url is non-empty, otherwise an
// in-process Bus. Per SPEC_FULL.md §5.9, the scheduler must work without a
// broker configured.
func Open(url string) (Bus, error) {
	if url == "" {
		return newLocalBus(1000), nil
	}
	return newNatsBus(url)
}
