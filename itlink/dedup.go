package itlink

import (
	"encoding/binary"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/spines-itcore/spines/crypto"
)

// dedupCapacity bounds the cuckoo filter to roughly one window's worth of
// link sequence numbers; a false positive only costs one extra exact-ring
// lookup (itlink/window.go's StoreIncoming is always the final authority),
// so the filter can be sized small without risking correctness.
const dedupCapacity = 4 * MaxSendOnLink

// Dedup is a probabilistic filter answering "have I plausibly seen this
// link_seq before?". Link.ProcessData records every link_seq that
// Window.StoreIncoming accepts, but does not consult Seen: duplicate
// detection on the receive path is done by StoreIncoming alone.
type Dedup struct {
	filter *cuckoo.CuckooFilter
}

func NewDedup() *Dedup {
	return &Dedup{filter: cuckoo.NewCuckooFilter(dedupCapacity)}
}

func (d *Dedup) key(linkSeq uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], linkSeq)
	return b[:]
}

// Seen reports whether linkSeq was plausibly already inserted. A false
// answer is authoritative; a true answer must still be confirmed against
// the real window state.
func (d *Dedup) Seen(linkSeq uint32) bool {
	return d.filter.Lookup(d.key(linkSeq))
}

// Record marks linkSeq as seen.
func (d *Dedup) Record(linkSeq uint32) {
	d.filter.InsertUnique(d.key(linkSeq))
}

// Reset rebuilds an empty filter — called on incarnation change alongside
// Window.Reset so stale link_seq membership from a previous incarnation
// can't shadow valid new packets.
func (d *Dedup) Reset() {
	d.filter = cuckoo.NewCuckooFilter(dedupCapacity)
}

// Hash64 exposes crypto.Hash64 for callers that want the
// same fast digest for their own dedup keys without importing crypto
// directly for just this one function.
func Hash64(b []byte) uint64 { return crypto.Hash64(b) }
