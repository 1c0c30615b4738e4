// Package dm implements the DownloadManager: the mediator that binds the
// peer-wire protocol state machine, the piece database, the piece
// selector, the choker, and the job queue into one per-torrent core,
// per spec.md §4.1.
//
// It generalizes the teacher's torrent.Torrent (torrent/torrent.go):
// Torrent's mainLoop select-over-channels dispatch becomes
// DispatchFromBuffer/Periodic called directly by a host (no owned
// goroutine, per spec.md §5's single-threaded-cooperative-at-the-DM-level
// model), and Torrent.conns/choker/pieces become Manager's peerManager,
// choker, and piece DB references, wired together by explicit
// constructor injection instead of Torrent's struct literal.
package dm

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tevino/abool"

	"github.com/mira-labs/torrentdm/bitfield"
	"github.com/mira-labs/torrentdm/blacklist"
	"github.com/mira-labs/torrentdm/choker"
	"github.com/mira-labs/torrentdm/eventtimer"
	"github.com/mira-labs/torrentdm/job"
	"github.com/mira-labs/torrentdm/peerconn"
	"github.com/mira-labs/torrentdm/peerid"
	"github.com/mira-labs/torrentdm/peerkey"
	"github.com/mira-labs/torrentdm/piece"
	"github.com/mira-labs/torrentdm/piecedb"
	"github.com/mira-labs/torrentdm/selector"
	"github.com/mira-labs/torrentdm/sparsecounter"
)

// Callbacks is the host-provided table spec.md §6 names: peer_connect,
// peer_send, call_exclusively, log.
type Callbacks struct {
	// PeerConnect initiates an outbound connection, returning the
	// host-opaque net handle once connected.
	PeerConnect func(ip string, port int) (netHandle uint64, err error)
	// PeerSend transmits bytes to a connected peer.
	PeerSend func(netHandle uint64, b []byte) error
	// CallExclusively runs fn under the host's mutual-exclusion primitive,
	// serializing it against concurrent dispatch_from_buffer/periodic
	// calls. A nil CallExclusively defaults to a Manager-owned mutex.
	CallExclusively func(fn func())
	// Log reports a line from src (the DM logs with src "dm").
	Log func(src, line string)
}

// Manager is the DownloadManager.
type Manager struct {
	cfg Config
	cb  Callbacks
	mu  sync.Mutex // backs the default CallExclusively

	logger *log.Logger

	pieceDB  piecedb.PieceDB
	selector selector.Selector

	leechingChoker *choker.LeechingChoker
	seedingChoker  *choker.SeedingChoker
	// amSeeding flips once every piece has verified. It's read from
	// Periodic before exclusively() is taken (so a stalled host can still
	// see shutdown-when-complete without waiting on the lock) and written
	// from inside pushBlock, which does run under exclusively() — an
	// abool.AtomicBool, the same lock-free flag the teacher's
	// torrent/peerconn.go uses for canDownload, makes that safe without a
	// dedicated mutex.
	amSeeding *abool.AtomicBool

	blacklist *blacklist.List
	jobs      *job.Queue
	timer     *eventtimer.Timer

	progress *sparsecounter.Counter // local piece completion

	peers *peerManager
}

// New constructs a Manager with the given config, validated per spec.md
// §7's ConfigError conditions.
func New(cfg Config, logger *log.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(log.Writer(), "dm: ", log.LstdFlags)
	}
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		blacklist: blacklist.New(),
		jobs:      job.New(),
		timer:     eventtimer.New(nil),
		progress:  sparsecounter.New(),
		peers:     newPeerManager(),
		amSeeding: abool.New(),
	}
	m.leechingChoker = choker.NewLeechingChoker(choker.Config{
		MaxActivePeers: cfg.MaxActivePeers,
		SeedSlots:      cfg.MaxActivePeers,
	})
	m.seedingChoker = choker.NewSeedingChoker(choker.Config{
		MaxActivePeers: cfg.MaxActivePeers,
		SeedSlots:      cfg.MaxActivePeers,
	})
	m.timer.Every(10*time.Second, m.runChoker)
	return m, nil
}

// SetCallbacks installs the host callback table.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.cb = cb
}

func (m *Manager) exclusively(fn func()) {
	if m.cb.CallExclusively != nil {
		m.cb.CallExclusively(fn)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *Manager) log(src, line string) {
	if m.cb.Log != nil {
		m.cb.Log(src, line)
		return
	}
	m.logger.Printf("[%s] %s", src, line)
}

// SetPieceDB injects the PieceDB dependency.
func (m *Manager) SetPieceDB(db piecedb.PieceDB) {
	m.pieceDB = db
}

// SetPieceSelector injects a Selector. If sel is nil, a default strategy
// selector is constructed and CheckPieces is run to seed it and the
// progress counter from the current PieceDB state, per spec.md §4.1.
func (m *Manager) SetPieceSelector(sel selector.Selector) {
	if sel == nil {
		sel = selector.New(m.cfg.SelectorStrategy, m.cfg.NumPieces)
		m.selector = sel
		m.checkPieces()
		return
	}
	m.selector = sel
}

// checkPieces scans the PieceDB marking already-complete pieces into the
// progress counter and the selector, per spec.md §4.1.
func (m *Manager) checkPieces() {
	if m.pieceDB == nil {
		return
	}
	for i := 0; i < m.pieceDB.GetLength(); i++ {
		p := m.pieceDB.Get(i)
		if p != nil && p.Complete() {
			m.progress.Set(i, 1)
			if m.selector != nil {
				m.selector.HavePiece(i)
			}
		}
	}
}

// AddPeer registers a new peer, per spec.md §4.1. It refuses a
// self-connect, a duplicate (ip, port), and a banned address. If
// netHandle is nil, AddPeer calls the host's PeerConnect, waits for it to
// return a handle, and sends the handshake; the connect is not
// asynchronous, and a PeerConnect error refuses the peer.
func (m *Manager) AddPeer(peerIDBytes []byte, ip string, port int, netHandle *uint64) (peerid.ID, bool) {
	if ip == m.cfg.MyIP && port == m.cfg.PWPListenPort {
		return 0, false
	}
	if m.cfg.MaxPeerConnections > 0 && m.peers.len() >= m.cfg.MaxPeerConnections {
		return 0, false
	}
	addr := peerkey.Key{IP: ip, Port: port}
	if m.blacklist.IsBanned(addr) {
		return 0, false
	}
	e, ok := m.peers.add(addr)
	if !ok {
		return 0, false
	}
	var id20 [20]byte
	copy(id20[:], peerIDBytes)
	e.peerID = id20

	pc := peerconn.New(e.id, peerconn.Config{
		NumPieces:          m.cfg.NumPieces,
		InfoHash:           m.cfg.InfoHash,
		MyPeerID:           m.cfg.MyPeerID,
		MaxPendingRequests: m.cfg.MaxPendingRequests,
	}, peerconn.Callbacks{
		Send:      m.sendTo(e),
		PollBlock: func(p peerid.ID) { m.jobs.Push(job.NewPollBlock(p)) },
		ReadBlock: func(idx, off, length int) ([]byte, error) {
			return m.readBlock(idx, off, length)
		},
		PushBlock: func(p peerid.ID, bl piece.Block, data []byte) {
			m.pushBlock(p, bl, data)
		},
		Giveback: func(p peerid.ID, blocks []piece.Block) {
			m.givebackBlocks(p, blocks)
		},
		Disconnect: func(p peerid.ID, reason string) { m.RemovePeer(p, reason) },
	})
	pc.SetSelectorHook(func(p peerid.ID, idx int) {
		if m.selector != nil {
			m.selector.PeerHavePiece(p, idx)
		}
	})
	e.pc = pc

	if netHandle == nil {
		if m.cb.PeerConnect == nil {
			m.peers.remove(e.id)
			return 0, false
		}
		h, err := m.cb.PeerConnect(ip, port)
		if err != nil {
			m.peers.remove(e.id)
			return 0, false
		}
		m.peers.bindHandle(e, h)
		if err := pc.StartOutbound(); err != nil {
			m.RemovePeer(e.id, "connect failed")
			return 0, false
		}
	} else {
		m.peers.bindHandle(e, *netHandle)
	}

	if m.selector != nil {
		m.selector.AddPeer(e.id)
	}
	return e.id, true
}

// givebackBlocks releases blocks a peer no longer has pending (it choked
// us, or is being removed) back to their pieces and notifies the
// selector, per spec.md §4.2's CHOKE handling and §4.1's remove_peer
// teardown.
func (m *Manager) givebackBlocks(id peerid.ID, blocks []piece.Block) {
	for _, bl := range blocks {
		if p := m.pieceDB.Get(bl.PieceIdx); p != nil {
			p.GivebackBlock(bl.Offset)
		}
		if m.selector != nil {
			m.selector.PeerGivebackPiece(id, bl.PieceIdx)
		}
	}
}

func (m *Manager) sendTo(e *peerEntry) func([]byte) error {
	return func(b []byte) error {
		if m.cb.PeerSend == nil {
			return errors.New("dm: no PeerSend callback configured")
		}
		if err := m.cb.PeerSend(e.netHandle, b); err != nil {
			e.pc.MarkFailed()
			return err
		}
		return nil
	}
}

// RemovePeer removes peer id from the peer manager and the selector,
// giving back any in-flight block requests, per spec.md §4.1.
func (m *Manager) RemovePeer(id peerid.ID, reason string) {
	e, ok := m.peers.get(id)
	if !ok {
		return
	}
	if e.pc != nil {
		m.givebackBlocks(id, e.pc.GivebackAll())
	}
	if m.selector != nil {
		m.selector.RemovePeer(id)
	}
	m.peers.remove(id)
	m.log("dm", fmt.Sprintf("removed peer %s: %s", e.addr, reason))
}

// buildBitfield derives a wire Bitfield from the local progress counter.
func (m *Manager) buildBitfield() bitfield.Bitfield {
	bf := bitfield.New(m.cfg.NumPieces)
	for i := 0; i < m.cfg.NumPieces; i++ {
		if m.progress.IsSet(i) {
			bf.Set(i)
		}
	}
	return bf
}

// DispatchFromBuffer is the entry point for inbound bytes, per spec.md
// §4.1. Returns 1 on success, 0 if netHandle is unknown or a parse
// failure occurred (the peer has already been removed in that case).
func (m *Manager) DispatchFromBuffer(netHandle uint64, b []byte) int {
	ok := 1
	m.exclusively(func() {
		e, found := m.peers.byNetHandle(netHandle)
		if !found {
			ok = 0
			return
		}
		if err := e.pc.Feed(b, m.buildBitfield()); err != nil {
			m.log("dm", fmt.Sprintf("peer %s: %v", e.addr, err))
			m.peers.remove(e.id)
			if m.selector != nil {
				m.selector.RemovePeer(e.id)
			}
			ok = 0
		}
	})
	return ok
}

// readBlock services a REQUEST by reading from the PieceDB.
func (m *Manager) readBlock(idx, off, length int) ([]byte, error) {
	p := m.pieceDB.Get(idx)
	if p == nil {
		return nil, fmt.Errorf("dm: unknown piece %d", idx)
	}
	return p.ReadBlockThrough(off, length)
}

// pushBlock writes a received block into its Piece and reacts to the
// outcome per spec.md §4.4.
func (m *Manager) pushBlock(from peerid.ID, bl piece.Block, data []byte) {
	p := m.pieceDB.Get(bl.PieceIdx)
	if p == nil {
		return
	}
	e, ok := m.peers.get(from)
	if !ok {
		return
	}
	if !p.ValidBlock(bl.Offset, len(data)) {
		m.RemovePeer(from, "protocol error: malformed PIECE block")
		return
	}
	outcome := p.WriteBlock(bl.Offset, data, e.addr)
	switch outcome {
	case piece.WriteError:
		m.log("dm", fmt.Sprintf("write error piece %d", bl.PieceIdx))
	case piece.Accepted:
	case piece.Complete:
		m.progress.Set(bl.PieceIdx, 1)
		if m.selector != nil {
			m.selector.HavePiece(bl.PieceIdx)
		}
		p.ClearContributors()
		m.broadcastHave(bl.PieceIdx)
		if m.progress.Len() >= m.cfg.NumPieces {
			m.amSeeding.Set()
		}
	case piece.Invalid:
		contributors := p.Contributors()
		if len(contributors) == 1 {
			m.blacklist.Ban(contributors[0])
		} else {
			for _, c := range contributors {
				m.blacklist.Suspect(bl.PieceIdx, c)
			}
		}
		p.ClearContributors()
		if m.selector != nil {
			m.selector.PeerGivebackPiece(from, bl.PieceIdx)
		}
	}
}

// broadcastHave sends HAVE(idx) to every peer whose handshake has
// completed, per spec.md §4.4's completion outcome.
func (m *Manager) broadcastHave(idx int) {
	for _, e := range m.peers.all() {
		if e.pc == nil {
			continue
		}
		e.pc.SendHave(idx)
	}
}

// runChoker runs one choking round, selecting the discipline based on
// whether every piece has been verified, per spec.md §4.6.
func (m *Manager) runChoker() {
	peers := make([]choker.Peer, 0, m.peers.len())
	for _, e := range m.peers.all() {
		if e.pc != nil {
			peers = append(peers, e.pc)
		}
	}
	if m.amSeeding.IsSet() {
		m.seedingChoker.Round(peers)
	} else {
		m.leechingChoker.Round(peers)
	}
}

// Stats is a snapshot of DM state, per spec.md §4.1's periodic stats
// collection.
type Stats struct {
	NumPeers   int
	PiecesHave int
	NumPieces  int
	AmSeeding  bool
	PeerStats  []PeerStat
}

// PeerStat is one row of per-peer status.
type PeerStat struct {
	Addr        string
	PercentDone int
	Uploaded    uint64
	Downloaded  uint64
}

// Periodic drives one tick, per spec.md §4.1: drains the job queue under
// the exclusivity token, steps the event timer, runs each PC's
// Periodic, then collects stats.
func (m *Manager) Periodic(now time.Time) Stats {
	if m.amSeeding.IsSet() && m.cfg.ShutdownWhenComplete {
		return m.collectStats()
	}
	m.exclusively(func() {
		m.jobs.Drain(m.runJob)
		m.timer.Step(now)
	})
	for _, e := range m.peers.all() {
		if e.pc != nil {
			e.pc.Periodic(now)
		}
	}
	return m.collectStats()
}

func (m *Manager) runJob(j job.Job) {
	switch j.Kind {
	case job.PollBlock:
		m.pollBlock(j.Peer)
	case job.PieceSaved:
		// reserved for an asynchronous PieceDB write completing; the
		// in-memory reference PieceDB never defers, so this is a no-op
		// hook for a host's real implementation.
	case job.TimerFired:
		if j.Timer != nil {
			j.Timer()
		}
	}
}

// pollBlock obtains pieces from the selector and issues REQUESTs until
// either the peer's pipeline is full or the selector has nothing left,
// per spec.md §4.2's "PollBlock ... iterates piece_poll_block_request
// until either the piece is fully requested or the ceiling is reached."
func (m *Manager) pollBlock(id peerid.ID) {
	e, ok := m.peers.get(id)
	if !ok || e.pc == nil || m.selector == nil {
		return
	}
	for e.pc.PendingCount() < m.cfg.MaxPendingRequests {
		idx, ok := m.selector.PollPiece(id)
		if !ok {
			return
		}
		p := m.pieceDB.Get(idx)
		if p == nil {
			return
		}
		requestedAny := false
		for e.pc.PendingCount() < m.cfg.MaxPendingRequests {
			bl, ok := p.PollBlockRequest()
			if !ok {
				m.selector.MarkFullyRequested(idx)
				break
			}
			e.pc.QueueRequest(bl)
			requestedAny = true
		}
		if !requestedAny {
			return
		}
	}
}

func (m *Manager) collectStats() Stats {
	st := Stats{
		NumPeers:   m.peers.len(),
		PiecesHave: m.progress.Len(),
		NumPieces:  m.cfg.NumPieces,
		AmSeeding:  m.amSeeding.IsSet(),
	}
	for _, e := range m.peers.all() {
		st.PeerStats = append(st.PeerStats, PeerStat{Addr: e.addr.String()})
	}
	return st
}

// WriteStatus renders a human-readable status block in the teacher's
// style (torrent/torrent.go's writeStatus: humanize sizes, a tabwriter
// table of peers).
func (m *Manager) WriteStatus(w *tabwriter.Writer) {
	st := m.collectStats()
	fmt.Fprintf(w, "Mode: %s\tPieces: %d/%d\tPeers: %d\n",
		func() string {
			if st.AmSeeding {
				return "seeding"
			}
			return "downloading"
		}(), st.PiecesHave, st.NumPieces, st.NumPeers)
	fmt.Fprintln(w, "Address\tUp\tDown\t")
	for _, ps := range st.PeerStats {
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", ps.Addr,
			humanize.Bytes(ps.Uploaded), humanize.Bytes(ps.Downloaded))
	}
	w.Flush()
}

// Close performs the DM's ordered teardown, per spec.md §9: stop the
// event-timer, drop every peer (dropping its PC with it), drop the
// selector and PieceDB references, and drop the config.
func (m *Manager) Close() {
	m.timer.Stop()
	for _, e := range m.peers.all() {
		m.RemovePeer(e.id, "dm closed")
	}
	m.selector = nil
	m.pieceDB = nil
	m.cfg = Config{}
}
