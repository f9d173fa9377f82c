package fanout

import (
	"slices"
	"sync"
	"time"
)

type Kind string

const (
	KindTranscription Kind = "transcription"
	KindResponse      Kind = "response"
	KindError         Kind = "error"
	KindConnection    Kind = "connection"
	KindLog           Kind = "log"
)

var kinds = []Kind{KindTranscription, KindResponse, KindError, KindConnection, KindLog}

const DefaultQueueLimit = 1024

type Event struct {
	Timestamp time.Time
	Kind      Kind
	Text      string
	Connected bool
	Fatal     bool
}

// Fanout queues session events per kind until a consumer drains them, and
// forwards each event to channel subscribers.
type Fanout struct {
	mu      sync.Mutex
	queues  map[Kind][]Event
	counts  map[Kind]int
	limit   int
	subs    map[int]*subscriber
	nextSub int
	now     func() time.Time
}

type subscriber struct {
	ch      chan Event
	dropped int
}

func New(limit int) *Fanout {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Fanout{
		queues: make(map[Kind][]Event),
		counts: make(map[Kind]int),
		limit:  limit,
		subs:   make(map[int]*subscriber),
		now:    time.Now,
	}
}

func (f *Fanout) Transcription(text string) { f.Publish(Event{Kind: KindTranscription, Text: text}) }
func (f *Fanout) Response(text string) { f.Publish(Event{Kind: KindResponse, Text: text}) }
func (f *Fanout) Error(text string) { f.Publish(Event{Kind: KindError, Text: text}) }
func (f *Fanout) Fatal(text string) { f.Publish(Event{Kind: KindError, Text: text, Fatal: true}) }
func (f *Fanout) Log(text string) { f.Publish(Event{Kind: KindLog, Text: text}) }

func (f *Fanout) Connection(connected bool) {
	f.Publish(Event{Kind: KindConnection, Connected: connected})
}

// Publish stamps e if needed, queues it and offers it to every subscriber.
// A full subscriber misses the event; the oldest queued event of a full
// kind is discarded.
func (f *Fanout) Publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = f.now()
	}
	q := append(f.queues[e.Kind], e)
	if len(q) > f.limit {
		q = q[len(q)-f.limit:]
	}
	f.queues[e.Kind] = q
	f.counts[e.Kind]++
	for _, s := range f.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped++
		}
	}
}

// Drain returns and clears the queued events of one kind.
func (f *Fanout) Drain(kind Kind) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[kind]
	delete(f.queues, kind)
	return q
}

// DrainAll returns every queued event ordered by timestamp and clears all
// queues.
func (f *Fanout) DrainAll() []Event {
	f.mu.Lock()
	all := f.takeQueuesLocked()
	f.mu.Unlock()
	sortByTimestamp(all)
	return all
}

func (f *Fanout) takeQueuesLocked() []Event {
	var all []Event
	for _, k := range kinds {
		all = append(all, f.queues[k]...)
	}
	f.queues = make(map[Kind][]Event)
	return all
}

func sortByTimestamp(events []Event) {
	slices.SortStableFunc(events, func(a, b Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// Subscribe returns a channel receiving events published from now on, and a
// cancel func that closes it.
func (f *Fanout) Subscribe(buffer int) (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeLocked(nil, buffer)
}

// SubscribeWithBacklog drains the queues into the new channel before any
// later event, so a consumer that attaches late sees each event once.
func (f *Fanout) SubscribeWithBacklog(buffer int) (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	backlog := f.takeQueuesLocked()
	sortByTimestamp(backlog)
	return f.subscribeLocked(backlog, buffer)
}

func (f *Fanout) subscribeLocked(backlog []Event, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan Event, len(backlog)+buffer)}
	for _, e := range backlog {
		s.ch <- e
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = s

	return s.ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[id]; !ok {
			return
		}
		delete(f.subs, id)
		close(s.ch)
	}
}

// Close closes every subscriber channel.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.subs {
		close(s.ch)
		delete(f.subs, id)
	}
}

// Counts reports how many events of each kind were published.
func (f *Fanout) Counts() map[Kind]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[Kind]int, len(f.counts))
	for k, v := range f.counts {
		out[k] = v
	}
	return out
}

// Dropped reports events missed by subscribers with full buffers.
func (f *Fanout) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		n += s.dropped
	}
	return n
}
