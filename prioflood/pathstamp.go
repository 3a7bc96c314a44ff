package prioflood

import (
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
)

// PathStamper appends an 8-byte per-hop debug trace stamp to a message's
// out-of-band trace buffer. These bytes never enter the signed envelope
// (spec.md §4.2.1/§4.2.3: "for debug path-tracing, an 8-byte path-stamp
// region is zeroed during verification") — they ride alongside it purely
// for operators tracing a message's forwarding history.
type PathStamper struct {
	sid *shortid.Shortid
}

// pathStampABC mirrors the teacher's own substitute alphabet for
// shortid.DEFAULT_ABC (cmn/cos/uuid.go), reused here rather than
// reinvented.
const pathStampABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

func NewPathStamper(worker uint8, seed uint64) (*PathStamper, error) {
	sid, err := shortid.New(worker, pathStampABC, seed)
	if err != nil {
		return nil, errors.Wrap(err, "prioflood: init path-stamp generator")
	}
	return &PathStamper{sid: sid}, nil
}

// Stamp returns a fresh 8-byte (truncated/padded) debug stamp for one hop.
func (p *PathStamper) Stamp() ([8]byte, error) {
	var out [8]byte
	id, err := p.sid.Generate()
	if err != nil {
		return out, errors.Wrap(err, "prioflood: generate path-stamp")
	}
	copy(out[:], id)
	return out, nil
}

// Trace is the out-of-band, per-hop debug path accumulated alongside a
// message as it floods; never marshaled into the signed wire envelope.
type Trace struct {
	Hops [][8]byte
}

func (t *Trace) Append(stamp [8]byte) {
	t.Hops = append(t.Hops, stamp)
}
