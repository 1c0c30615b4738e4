// Package job implements the DM's JobQueue: a FIFO of deferred work items
// drained under the host's exclusivity token (spec.md §5).
//
// The queue is backed by github.com/eapache/channels's InfiniteChannel,
// the same unbounded MPSC queue the teacher's torrent/peerconn.go uses for
// its per-connection jobCh (pc.jobCh = channels.NewInfiniteChannel()).
// Push never blocks a caller on the DM's goroutine, and Drain reads
// everything currently buffered without the fixed-capacity risk a regular
// Go channel would carry. Unlike the teacher, whose queue held a single
// concrete action type per instantiation, Job is a tagged union (spec.md
// §3 "Job: tagged union") so future variants integrate without changing
// the Queue API, per spec.md §9's design note.
package job

import (
	"github.com/eapache/channels"

	"github.com/mira-labs/torrentdm/peerid"
)

// Kind identifies which variant of the Job union is populated.
type Kind int

const (
	// PollBlock asks the DM to have a peer's PeerConnection top up its
	// pending-request pipeline from the selector.
	PollBlock Kind = iota
	// PieceSaved notifies the DM that an asynchronous PieceDB write for a
	// piece has landed, so completion bookkeeping can run.
	PieceSaved
	// TimerFired carries an EventTimer callback across the exclusivity
	// boundary so timer callbacks never run concurrently with dispatch.
	TimerFired
)

// Job is one deferred unit of work. Only the fields relevant to Kind are
// populated; the rest are zero.
type Job struct {
	Kind Kind
	// Peer is set for PollBlock.
	Peer peerid.ID
	// PieceIndex is set for PieceSaved.
	PieceIndex int
	// Timer is set for TimerFired.
	Timer func()
}

// NewPollBlock builds a PollBlock job for peer.
func NewPollBlock(peer peerid.ID) Job {
	return Job{Kind: PollBlock, Peer: peer}
}

// NewPieceSaved builds a PieceSaved job for piece idx.
func NewPieceSaved(idx int) Job {
	return Job{Kind: PieceSaved, PieceIndex: idx}
}

// NewTimerFired builds a TimerFired job wrapping the callback to run.
func NewTimerFired(fn func()) Job {
	return Job{Kind: TimerFired, Timer: fn}
}

// Queue is a FIFO of Jobs, safe for concurrent Push from any goroutine.
// Drain itself is meant to run only under the host's call_exclusively, per
// spec.md §5, the same way the teacher only ever reads pc.jobCh.Out() from
// its single per-connection mainLoop goroutine.
type Queue struct {
	ch channels.Channel
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{ch: channels.NewInfiniteChannel()}
}

// Push enqueues a job. Never blocks.
func (q *Queue) Push(j Job) {
	q.ch.In() <- j
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	return q.ch.Len()
}

// Empty reports whether the queue has no jobs.
func (q *Queue) Empty() bool {
	return q.ch.Len() == 0
}

// Drain removes every job queued at the moment Drain is called, in FIFO
// order, invoking fn on each. A job pushed by fn itself (e.g. a PollBlock
// job re-queuing another PollBlock) is appended to the channel and will be
// picked up by the next Drain, not this one — Drain reads exactly the
// number of jobs queued when it started, so this cannot spin forever the
// way a "loop until empty" drain could if fn is self-requeuing.
func (q *Queue) Drain(fn func(Job)) {
	n := q.ch.Len()
	out := q.ch.Out()
	for i := 0; i < n; i++ {
		fn((<-out).(Job))
	}
}
