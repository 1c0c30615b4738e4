package piece

// Complete reports whether every block of this piece has been received
// and its SHA-1 has verified.
func (p *Piece) Complete() bool {
	return p.allReceived()
}

// ReadBlockThrough reads length bytes at off from the backing Store,
// servicing an upload (a REQUEST from a peer) rather than piece
// verification.
func (p *Piece) ReadBlockThrough(off, length int) ([]byte, error) {
	return p.store.ReadBlock(p.Idx, off, length)
}
