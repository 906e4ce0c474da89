package quicmux

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

type timeWaitEntry struct {
	closePacket []byte
	addedAt     time.Time
	// packets counts the packets received since the connection closed.
	packets uint64
}

// timeWaitList remembers recently closed connection IDs, so that late
// packets don't create a new session. The oldest entries are evicted when
// the list is full.
type timeWaitList struct {
	entries *lru.Cache
	period  time.Duration
}

func newTimeWaitList(capacity int) (*timeWaitList, error) {
	c, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &timeWaitList{entries: c, period: protocol.TimeWaitPeriod}, nil
}

func (l *timeWaitList) Add(id ConnectionID, closePacket []byte, now time.Time) {
	l.entries.Add(id, &timeWaitEntry{closePacket: closePacket, addedAt: now})
}

// Contains says if id is in time-wait. Expired entries are removed.
func (l *timeWaitList) Contains(id ConnectionID, now time.Time) bool {
	return l.get(id, now) != nil
}

func (l *timeWaitList) get(id ConnectionID, now time.Time) *timeWaitEntry {
	v, ok := l.entries.Get(id)
	if !ok {
		return nil
	}
	e := v.(*timeWaitEntry)
	if now.Sub(e.addedAt) > l.period {
		l.entries.Remove(id)
		return nil
	}
	return e
}

// ReceivedPacket records a packet for id. It returns the close packet to send
// in response, or nil. Responses are sent for the 1st, 2nd, 4th, 8th, ...
// packet.
func (l *timeWaitList) ReceivedPacket(id ConnectionID, now time.Time) []byte {
	e := l.get(id, now)
	if e == nil {
		return nil
	}
	e.packets++
	if e.packets&(e.packets-1) != 0 {
		return nil
	}
	return e.closePacket
}

func (l *timeWaitList) Len() int { return l.entries.Len() }
