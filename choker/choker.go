// Package choker implements the two choking disciplines spec.md §4.6
// names: LeechingChoker, active while the torrent is incomplete, and
// SeedingChoker, activated once every piece is verified.
//
// Both are direct generalizations of the teacher's torrent/choker.go
// reviewUnchokedPeers/pickOptimisticUnchoke/byRate: the teacher only ever
// ranks by download rate (it has no seeding mode), so SeedingChoker is the
// same algorithm with get_urate substituted for get_drate, exactly as
// spec.md §4.6 describes the seeding discipline as a rate-source swap
// rather than a different algorithm.
package choker

import (
	"math/rand"
	"sort"

	"github.com/mira-labs/torrentdm/peerid"
)

// Peer is the capability interface a PC exposes to a choker, spec.md
// §4.6's iface_choker_peer: get_drate, get_urate, get_is_interested,
// choke_peer, unchoke_peer. Implementations must keep Get* side-effect
// free; only Choke/Unchoke may have side effects (enqueuing CHOKE/UNCHOKE
// messages).
type Peer interface {
	ID() peerid.ID
	DownloadRate() float64
	UploadRate() float64
	IsInterested() bool
	IsChoking() bool
	// Snubbed reports whether this peer hasn't sent us a PIECE in a long
	// while despite our interest, per spec.md §12's snubbing supplement:
	// a snubbed peer is demoted out of the by-rate ranking even if its
	// historical rate still looks good.
	Snubbed() bool
	Choke()
	Unchoke()
}

// Config holds the tunables spec.md §4.6 names.
type Config struct {
	// MaxActivePeers is max_active_peers; LeechingChoker unchokes
	// MaxActivePeers-1 by rate, reserving one slot for the optimistic pick.
	MaxActivePeers int
	// SeedSlots is the upload-slot count SeedingChoker ranks into.
	SeedSlots int
}

// DefaultConfig returns the teacher's constants (maxUploadSlots=4,
// optimisticSlots=1) reframed in spec.md's MaxActivePeers terms.
func DefaultConfig() Config {
	return Config{MaxActivePeers: 5, SeedSlots: 4}
}

type rateFn func(Peer) float64

func byDownloadRate(p Peer) float64 { return p.DownloadRate() }
func byUploadRate(p Peer) float64   { return p.UploadRate() }

// base is the rate-ranking engine shared by LeechingChoker and
// SeedingChoker: rank candidates by rate descending, unchoke the top
// slots, and every third round (30s given a 10s tick, matching the
// teacher's currRound%5 cadence adapted to spec.md's 10s/30s split)
// replace one slot with a uniformly random optimistic pick among the
// choked and interested remainder.
type base struct {
	rate       rateFn
	slots      int
	round      int
	optimistic peerid.ID
	hasOptim   bool
}

func newBase(rate rateFn, slots int) base {
	return base{rate: rate, slots: slots}
}

// Round runs one choking pass over peers. It should be called every 10s
// by the DM's periodic(); the optimistic slot is refreshed every third
// call (30s).
func (b *base) Round(peers []Peer) {
	defer func() { b.round++ }()
	if len(peers) == 0 {
		return
	}
	if b.round%3 == 0 {
		b.pickOptimistic(peers)
	}

	var best, rest []Peer
	for _, p := range peers {
		if p.IsInterested() && !p.Snubbed() {
			best = append(best, p)
		} else {
			rest = append(rest, p)
		}
	}
	sort.Slice(best, func(i, j int) bool { return b.rate(best[i]) > b.rate(best[j]) })

	slots := b.slots
	if slots > len(best) {
		slots = len(best)
	}
	rest = append(rest, best[slots:]...)
	best = best[:slots]

	for _, p := range best {
		p.Unchoke()
	}

	gaveOptimistic := false
	for _, p := range rest {
		if b.hasOptim && p.ID() == b.optimistic {
			p.Unchoke()
			gaveOptimistic = true
		}
	}
	indices := rand.Perm(len(rest))
	for _, i := range indices {
		p := rest[i]
		if b.hasOptim && p.ID() == b.optimistic {
			continue
		}
		if !gaveOptimistic {
			p.Unchoke()
			gaveOptimistic = true
			continue
		}
		p.Choke()
	}
}

func (b *base) pickOptimistic(peers []Peer) {
	var candidates []peerid.ID
	for _, p := range peers {
		if p.IsChoking() && p.IsInterested() {
			candidates = append(candidates, p.ID())
		}
	}
	if len(candidates) == 0 {
		b.hasOptim = false
		return
	}
	b.optimistic = candidates[rand.Intn(len(candidates))]
	b.hasOptim = true
}

// LeechingChoker ranks peers by how fast they send us data, spec.md
// §4.6's download-in-progress discipline.
type LeechingChoker struct {
	base
}

// NewLeechingChoker returns a LeechingChoker configured per cfg.
func NewLeechingChoker(cfg Config) *LeechingChoker {
	slots := cfg.MaxActivePeers - 1
	if slots < 0 {
		slots = 0
	}
	return &LeechingChoker{base: newBase(byDownloadRate, slots)}
}

// Round runs one choking pass; call every 10s from periodic().
func (c *LeechingChoker) Round(peers []Peer) { c.base.Round(peers) }

// SeedingChoker ranks peers by how fast we can send them data, spec.md
// §4.6's all-pieces-complete discipline.
type SeedingChoker struct {
	base
}

// NewSeedingChoker returns a SeedingChoker configured per cfg.
func NewSeedingChoker(cfg Config) *SeedingChoker {
	return &SeedingChoker{base: newBase(byUploadRate, cfg.SeedSlots)}
}

// Round runs one choking pass; call every 10s from periodic().
func (c *SeedingChoker) Round(peers []Peer) { c.base.Round(peers) }
