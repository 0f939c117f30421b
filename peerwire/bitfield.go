package peerwire

// PieceSet is a wire-order bitfield: piece 0 is the high bit of byte 0.
type PieceSet []byte

func NewPieceSet(numPieces int) PieceSet {
	return make(PieceSet, (numPieces+7)/8)
}

func (ps PieceSet) Has(index int) bool {
	i := index / 8
	if index < 0 || i >= len(ps) {
		return false
	}
	return ps[i]>>(7-index%8)&1 != 0
}

// Set grows nothing; indexes past the end are ignored.
func (ps PieceSet) Set(index int) {
	i := index / 8
	if index < 0 || i >= len(ps) {
		return
	}
	ps[i] |= 1 << (7 - index%8)
}

func (ps PieceSet) Count() int {
	n := 0
	for _, b := range ps {
		for ; b != 0; b &= b - 1 {
			n++
		}
	}
	return n
}
