package botkeeper

import (
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// lane serializes operations on one application id in the order they were
// reserved. Each reservation swaps in a new tail channel and waits for the
// previous one to close.
type lane struct {
	mu   sync.Mutex
	tail chan struct{}
}

func newLane() *lane {
	open := make(chan struct{})
	close(open)
	return &lane{tail: open}
}

// ticket is a place in a lane's queue.
type ticket struct {
	prev <-chan struct{}
	next chan struct{}
}

func (l *lane) reserve() *ticket {
	next := make(chan struct{})
	l.mu.Lock()
	prev := l.tail
	l.tail = next
	l.mu.Unlock()
	return &ticket{prev: prev, next: next}
}

// wait blocks until every earlier ticket is done.
func (t *ticket) wait() { <-t.prev }

// done hands the lane to the next ticket.
func (t *ticket) done() { close(t.next) }

// laneTable maps ids to lanes. Lanes are created on first use and kept, so an
// id that is destroyed and loaded again keeps its ordering.
type laneTable struct {
	lanes cmap.ConcurrentMap[string, *lane]
}

func newLaneTable() *laneTable {
	return &laneTable{lanes: cmap.New[*lane]()}
}

func (t *laneTable) reserve(id string) *ticket {
	l := t.lanes.Upsert(id, nil, func(exist bool, inMap *lane, _ *lane) *lane {
		if exist {
			return inMap
		}
		return newLane()
	})
	return l.reserve()
}

// run waits for id's lane, runs fn, and passes the lane on.
func (t *laneTable) run(id string, fn func() error) error {
	tk := t.reserve(id)
	tk.wait()
	defer tk.done()
	return fn()
}
