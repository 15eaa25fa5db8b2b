package session

import (
	"context"
	"sort"
	"time"

	"github.com/breeze-rmm/session-monitor/internal/logging"
)

var log = logging.L("session")

// DetectedSession is a snapshot of one interactive session.
type DetectedSession struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Remote    bool   `json:"remote"`
	Connected bool   `json:"connected"`
	Locked    bool   `json:"locked"`
}

// Detector enumerates sessions and emits change events.
type Detector interface {
	// ListSessions returns all current interactive sessions.
	ListSessions() ([]DetectedSession, error)

	// WatchSessions returns a channel of session change events.
	// The channel is closed when the context is cancelled.
	WatchSessions(ctx context.Context) <-chan Event
}

// Diff compares two snapshots and returns the events that explain the
// change, ordered by session id. Within one session, connect events come
// before lock changes and disconnect events after them.
func Diff(prev, cur map[int]DetectedSession) []Event {
	ids := make([]int, 0, len(prev)+len(cur))
	for id := range cur {
		ids = append(ids, id)
	}
	for id := range prev {
		if _, ok := cur[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	var events []Event
	for _, id := range ids {
		before, existed := prev[id]
		after, exists := cur[id]

		switch {
		case !existed:
			events = append(events, Event{Reason: Logon, SessionID: id})
			if after.Locked {
				events = append(events, Event{Reason: Lock, SessionID: id})
			}
		case !exists:
			events = append(events, Event{Reason: Logoff, SessionID: id})
		default:
			if !before.Connected && after.Connected {
				events = append(events, Event{Reason: connectReason(after.Remote), SessionID: id})
			}
			if !before.Locked && after.Locked {
				events = append(events, Event{Reason: Lock, SessionID: id})
			} else if before.Locked && !after.Locked {
				events = append(events, Event{Reason: Unlock, SessionID: id})
			}
			if before.Connected && !after.Connected {
				events = append(events, Event{Reason: disconnectReason(before.Remote), SessionID: id})
			}
		}
	}
	return events
}

func connectReason(remote bool) Reason {
	if remote {
		return RemoteConnect
	}
	return ConsoleConnect
}

func disconnectReason(remote bool) Reason {
	if remote {
		return RemoteDisconnect
	}
	return ConsoleDisconnect
}

func index(sessions []DetectedSession) map[int]DetectedSession {
	m := make(map[int]DetectedSession, len(sessions))
	for _, s := range sessions {
		m[s.ID] = s
	}
	return m
}

// poll drives list every interval and sends Diff results on the returned
// channel until ctx is cancelled. Failed polls keep the previous snapshot.
func poll(ctx context.Context, interval time.Duration, list func() ([]DetectedSession, error)) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)

		known := map[int]DetectedSession{}
		if sessions, err := list(); err == nil {
			known = index(sessions)
		} else {
			log.Warn("initial session enumeration failed", logging.KeyError, err)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sessions, err := list()
				if err != nil {
					log.Debug("session enumeration failed", logging.KeyError, err)
					continue
				}

				current := index(sessions)
				for _, evt := range Diff(known, current) {
					select {
					case ch <- evt:
					case <-ctx.Done():
						return
					}
				}
				known = current
			}
		}
	}()

	return ch
}
