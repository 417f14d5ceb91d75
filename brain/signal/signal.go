// Package signal implements the per-run signal queue: a priority-ordered,
// consume-on-read delivery channel for out-of-band control messages. Unlike
// the teacher's Temporal signal channels (which preserve arrival order),
// spec.md requires strict priority ordering, so delivery is backed by a
// small container/heap rather than a raw channel.
package signal

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/brainyard/brainrun/brain/fsm"
)

// Signal is a single control envelope destined for one run.
type Signal struct {
	Type    fsm.SignalType
	Payload any
}

// priority orders signal types per spec.md §4.E: KILL < PAUSE <
// WEBHOOK_RESPONSE < RESUME < USER_MESSAGE. Lower sorts first.
var priority = map[fsm.SignalType]int{
	fsm.SignalKill:            1,
	fsm.SignalPause:           2,
	fsm.SignalWebhookResponse: 3,
	fsm.SignalResume:          4,
	fsm.SignalUserMessage:     5,
}

// Filter selects which signal types GetSignals returns and consumes.
type Filter int

const (
	// Control limits delivery to {KILL, PAUSE}, the set the runner polls
	// for at every cooperative checkpoint.
	Control Filter = iota
	// All returns every pending signal regardless of type.
	All
)

func (f Filter) matches(t fsm.SignalType) bool {
	if f == All {
		return true
	}
	return t == fsm.SignalKill || t == fsm.SignalPause
}

type item struct {
	sig   Signal
	prio  int
	seq   int // arrival order, used only to break priority ties FIFO
	index int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio < h[j].prio
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a bounded, per-run priority queue of pending signals. The zero
// value is not usable; construct with New.
type Queue struct {
	mu       sync.Mutex
	heap     itemHeap
	nextSeq  int
	terminal bool
	capacity int
}

// DefaultCapacity bounds the number of pending signals retained per run
// when no explicit capacity is given; beyond it, Enqueue drops the lowest
// priority oldest entry to make room rather than blocking a caller.
const DefaultCapacity = 256

// New constructs an empty signal queue with the given capacity (<=0 uses
// DefaultCapacity).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{capacity: capacity}
	heap.Init(&q.heap)
	return q
}

// SetTerminal marks the queue's run as having reached a terminal status.
// Subsequent Enqueue calls silently drop their signal, per spec.md §4.E
// ("signals delivered while terminal are silently dropped").
func (q *Queue) SetTerminal(terminal bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminal = terminal
}

// Enqueue adds a signal to the queue. It never blocks. If the run is
// terminal the signal is dropped. If the queue is at capacity, the
// lowest-priority, oldest pending signal is evicted to make room, unless
// the incoming signal is itself of lower priority than every pending one,
// in which case the incoming signal is dropped instead.
func (q *Queue) Enqueue(sig Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.terminal {
		return
	}
	prio, ok := priority[sig.Type]
	if !ok {
		return
	}
	if len(q.heap) >= q.capacity {
		worst := q.lowestPriorityIndex()
		if prio > q.heap[worst].prio {
			return
		}
		heap.Remove(&q.heap, worst)
	}
	heap.Push(&q.heap, &item{sig: sig, prio: prio, seq: q.nextSeq})
	q.nextSeq++
}

// lowestPriorityIndex returns the heap index of the least urgent pending
// signal (highest prio number, i.e. furthest from KILL), breaking ties by
// oldest arrival. Used to make room when Enqueue hits capacity: eviction
// should sacrifice the least important pending signal, not the heap root
// (which is the most important).
func (q *Queue) lowestPriorityIndex() int {
	worst := 0
	for i := 1; i < len(q.heap); i++ {
		if q.heap[i].prio > q.heap[worst].prio ||
			(q.heap[i].prio == q.heap[worst].prio && q.heap[i].seq < q.heap[worst].seq) {
			worst = i
		}
	}
	return worst
}

// GetSignals drains and returns all pending signals matching filter, in
// priority order, removing them from the queue. Non-matching signals are
// left in place.
func (q *Queue) GetSignals(filter Filter) []Signal {
	q.mu.Lock()
	defer q.mu.Unlock()

	var matchedItems []*item
	var rest itemHeap
	for _, it := range q.heap {
		if filter.matches(it.sig.Type) {
			matchedItems = append(matchedItems, it)
		} else {
			rest = append(rest, it)
		}
	}
	// The backing slice is heap-array order, not priority order: sort
	// explicitly by (prio, seq) so ties resolve FIFO.
	sort.Slice(matchedItems, func(i, j int) bool {
		if matchedItems[i].prio != matchedItems[j].prio {
			return matchedItems[i].prio < matchedItems[j].prio
		}
		return matchedItems[i].seq < matchedItems[j].seq
	})
	matched := make([]Signal, len(matchedItems))
	for i, it := range matchedItems {
		matched[i] = it.sig
	}

	q.heap = rest
	heap.Init(&q.heap)
	return matched
}

// Len reports the number of pending signals.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
