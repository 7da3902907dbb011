package registry

import (
	"context"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// EventKind classifies a membership change.
type EventKind string

const (
	EventJoined          EventKind = "joined"
	EventLeft            EventKind = "left"
	EventLivenessChanged EventKind = "liveness_changed"
)

// MembershipEvent describes one change of pool membership.
type MembershipEvent struct {
	Kind     EventKind
	Element  types.PoolElement
	Previous types.Liveness
}

// Unavailable reports whether the event takes an element out of service.
func (ev MembershipEvent) Unavailable() bool {
	switch ev.Kind {
	case EventLeft:
		return true
	case EventLivenessChanged:
		return ev.Element.Liveness == types.LivenessUnreachable
	}
	return false
}

// Available reports whether the event makes an element selectable.
func (ev MembershipEvent) Available() bool {
	switch ev.Kind {
	case EventJoined:
		return true
	case EventLivenessChanged:
		return ev.Element.Liveness == types.LivenessReachable ||
			(ev.Element.Liveness == types.LivenessSuspected && ev.Previous == types.LivenessUnreachable)
	}
	return false
}

func livenessEvent(elem types.PoolElement, prev types.Liveness) MembershipEvent {
	return MembershipEvent{Kind: EventLivenessChanged, Element: elem, Previous: prev}
}

// subscriber buffers events without bound so writers never block on a slow
// reader.
type subscriber struct {
	queue  []MembershipEvent
	notify chan struct{}
}

// Subscribe returns a channel of membership events that stays open until
// ctx is done. Events published before Subscribe are not replayed.
func (r *Registry) Subscribe(ctx context.Context) <-chan MembershipEvent {
	sub := &subscriber{notify: make(chan struct{}, 1)}

	r.subMu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = sub
	r.subMu.Unlock()

	out := make(chan MembershipEvent)
	go func() {
		defer close(out)
		defer func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
		}()

		for {
			r.subMu.Lock()
			var ev MembershipEvent
			ready := len(sub.queue) > 0
			if ready {
				ev = sub.queue[0]
				sub.queue = sub.queue[1:]
			}
			r.subMu.Unlock()

			if !ready {
				select {
				case <-ctx.Done():
					return
				case <-sub.notify:
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out
}

func (r *Registry) broadcast(events []MembershipEvent) {
	if len(events) == 0 {
		return
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for _, sub := range r.subs {
		sub.queue = append(sub.queue, events...)
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}
