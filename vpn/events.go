package vpn

import (
	"fmt"

	"tailscale.com/ipn"
	"tailscale.com/types/netmap"
)

// EventKind tags an Event.
type EventKind int

const (
	EventBrowseURL EventKind = iota + 1
	EventStateChanged
	EventNetMapUpdated
	EventLoginFinished
)

func (k EventKind) String() string {
	switch k {
	case EventBrowseURL:
		return "BrowseURL"
	case EventStateChanged:
		return "StateChanged"
	case EventNetMapUpdated:
		return "NetMapUpdated"
	case EventLoginFinished:
		return "LoginFinished"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one decoded bus notification. Only the field matching Kind is
// set.
type Event struct {
	Kind EventKind

	URL    string             // EventBrowseURL
	State  ipn.State          // EventStateChanged
	NetMap *netmap.NetworkMap // EventNetMapUpdated
}

// decodeNotify splits n into events, in the order BrowseURL,
// StateChanged, NetMapUpdated, LoginFinished.
func decodeNotify(n ipn.Notify) []Event {
	var evs []Event
	if n.BrowseToURL != nil {
		evs = append(evs, Event{Kind: EventBrowseURL, URL: *n.BrowseToURL})
	}
	if n.State != nil {
		evs = append(evs, Event{Kind: EventStateChanged, State: *n.State})
	}
	if n.NetMap != nil {
		evs = append(evs, Event{Kind: EventNetMapUpdated, NetMap: n.NetMap})
	}
	if n.LoginFinished != nil {
		evs = append(evs, Event{Kind: EventLoginFinished})
	}
	return evs
}
