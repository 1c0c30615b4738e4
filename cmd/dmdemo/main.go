// Command dmdemo drives a dm.Manager against real TCP sockets, in the
// style of the teacher's cmd/charo-download: flag-parsed entry point,
// a uilive.Writer ticking a status table, and a main ticker loop. The
// teacher's torrent.Client/Torrent owned the socket accept loop and
// metainfo parsing; dmdemo is the minimal host spec.md §1 and §6
// describe, supplying only peer_connect/peer_send/dispatch_from_buffer
// wiring around a single *dm.Manager — no tracker, no .torrent parsing.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/gosuri/uilive"

	"github.com/mira-labs/torrentdm/dm"
	"github.com/mira-labs/torrentdm/piecedb"
)

var (
	infoHashHex = flag.String("infohash", "", "40 hex character SHA-1 info hash")
	myPeerID    = flag.String("peerid", "", "20-byte peer id (hex); random if empty")
	listenPort  = flag.Int("port", 6881, "PWP listen port")
	numPieces   = flag.Int("npieces", 0, "number of pieces")
	pieceLength = flag.Int("piecelen", 1<<18, "nominal piece length in bytes")
	downloadDir = flag.String("dir", ".", "download directory")
	strategy    = flag.String("selector", "rarest-first", "random|rarest-first|sequential")
	connect     = flag.String("connect", "", "comma-separated host:port peers to dial on start")
	totalSize   = flag.Int64("totalsize", 0, "total content length in bytes")
	sha1File    = flag.String("sha1file", "", "file with one hex SHA-1 per line, one per piece")
)

// loadPieceDB builds the in-memory reference PieceDB. Metainfo parsing is
// out of this core's scope (spec.md §1), so dmdemo reads piece hashes
// from a flat hex-per-line file rather than a .torrent, the way a real
// host would instead parse a metainfo dict and feed the same Add calls.
func loadPieceDB(n int, totalSize int64, sha1Path string) *piecedb.DB {
	db := piecedb.New()
	db.SetPieceLength(*pieceLength)
	db.SetTotFileSize(int(totalSize))

	var hashes [][20]byte
	if sha1Path != "" {
		f, err := os.Open(sha1Path)
		if err != nil {
			log.Fatalf("dmdemo: %v", err)
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			b, err := hex.DecodeString(sc.Text())
			if err != nil || len(b) != 20 {
				continue
			}
			var h [20]byte
			copy(h[:], b)
			hashes = append(hashes, h)
		}
	}
	for i := 0; i < n; i++ {
		var h [20]byte
		if i < len(hashes) {
			h = hashes[i]
		}
		db.Add(h)
	}
	return db
}

// sockets tracks live net.Conns by the opaque handle dm.Manager deals in,
// the same role torrent.Client's conns map plays for torrent.Torrent.
type sockets struct {
	mu      sync.Mutex
	next    uint64
	byHandl map[uint64]net.Conn
}

func newSockets() *sockets { return &sockets{byHandl: make(map[uint64]net.Conn)} }

func (s *sockets) add(c net.Conn) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.byHandl[s.next] = c
	return s.next
}

func (s *sockets) get(h uint64) (net.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byHandl[h]
	return c, ok
}

func (s *sockets) remove(h uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byHandl[h]; ok {
		c.Close()
		delete(s.byHandl, h)
	}
}

func main() {
	flag.Parse()
	if *infoHashHex == "" || *numPieces == 0 {
		log.Fatal("dmdemo: -infohash and -npieces are required")
	}
	var infoHash [20]byte
	ihBytes, err := hex.DecodeString(*infoHashHex)
	if err != nil || len(ihBytes) != 20 {
		log.Fatal("dmdemo: -infohash must be 40 hex characters")
	}
	copy(infoHash[:], ihBytes)

	var peerID [20]byte
	if *myPeerID != "" {
		b, err := hex.DecodeString(*myPeerID)
		if err != nil || len(b) != 20 {
			log.Fatal("dmdemo: -peerid must be 20 bytes hex-encoded")
		}
		copy(peerID[:], b)
	} else {
		copy(peerID[:], []byte(fmt.Sprintf("-DM0001-%012d", time.Now().UnixNano()%1e12)))
	}

	cfg := dm.DefaultConfig()
	cfg.InfoHash = infoHash
	cfg.MyPeerID = peerID
	cfg.PWPListenPort = *listenPort
	cfg.NumPieces = *numPieces
	cfg.PieceLength = *pieceLength
	cfg.DownloadPath = *downloadDir
	cfg.SelectorStrategy = *strategy

	mgr, err := dm.New(cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mgr.Close()
	mgr.SetPieceDB(loadPieceDB(*numPieces, *totalSize, *sha1File))
	mgr.SetPieceSelector(nil)

	socks := newSockets()
	mgr.SetCallbacks(dm.Callbacks{
		PeerConnect: func(ip string, port int) (uint64, error) {
			c, err := net.Dial("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
			if err != nil {
				return 0, err
			}
			h := socks.add(c)
			go pump(mgr, socks, h, c)
			return h, nil
		},
		PeerSend: func(h uint64, b []byte) error {
			c, ok := socks.get(h)
			if !ok {
				return fmt.Errorf("dmdemo: unknown socket %d", h)
			}
			_, err := c.Write(b)
			return err
		},
		Log: func(src, line string) { log.Printf("[%s] %s", src, line) },
	})

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(*listenPort)))
	if err != nil {
		log.Fatal(err)
	}
	go acceptLoop(mgr, socks, ln)

	for _, addr := range splitNonEmpty(*connect, ",") {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		mgr.AddPeer(peerID[:], host, port, nil)
	}

	w := uilive.New()
	w.Start()
	defer w.Stop()
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		mgr.Periodic(time.Now())
		mgr.WriteStatus(tw)
		w.Flush()
	}
}

// acceptLoop mirrors the teacher's torrent.Client listener goroutine:
// accept, register with the DM, then hand the connection to pump.
func acceptLoop(mgr *dm.Manager, socks *sockets, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			log.Printf("dmdemo: accept: %v", err)
			return
		}
		h := socks.add(c)
		host, portStr, _ := net.SplitHostPort(c.RemoteAddr().String())
		port, _ := strconv.Atoi(portStr)
		id, ok := mgr.AddPeer(nil, host, port, &h)
		if !ok {
			socks.remove(h)
			continue
		}
		_ = id
		go pump(mgr, socks, h, c)
	}
}

// pump reads inbound bytes and forwards them to DispatchFromBuffer,
// replacing the teacher's per-connection mainLoop goroutine directly
// blocking on peer_wire.Read with a plain byte pump: the DM itself stays
// single-threaded, all this goroutine does is turn socket reads into
// DispatchFromBuffer calls under the DM's own exclusivity token.
func pump(mgr *dm.Manager, socks *sockets, h uint64, c net.Conn) {
	buf := make([]byte, 1<<16)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			mgr.DispatchFromBuffer(h, buf[:n])
		}
		if err != nil {
			socks.remove(h)
			return
		}
	}
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || string(s[i]) == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
