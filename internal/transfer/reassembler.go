// Package transfer reassembles chunked file payloads.
//
// Oversized payloads cross the wire as numbered chunk frames. The Reassembler
// accumulates them per operation id, hands back the full byte sequence once
// every index has arrived, and evicts bookkeeping for transfers the sender
// abandoned. Checksum verification is a separate explicit step; the
// reassembler reports, it does not reject.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultStaleAfter is how long a transfer may sit without completing before
// the sweep evicts it. The sender must restart the whole transfer after that;
// there is no partial resume.
const DefaultStaleAfter = 5 * time.Minute

var (
	// ErrMissingChunk means assembly was attempted with a gap in the index set.
	ErrMissingChunk = errors.New("transfer: missing chunk")
	// ErrStaleTransfer means the transfer exceeded the idle deadline and was evicted.
	ErrStaleTransfer = errors.New("transfer: stale transfer evicted")
	// ErrChunkOutOfRange means a chunk index fell outside [0, total).
	ErrChunkOutOfRange = errors.New("transfer: chunk index out of range")
)

// pending tracks one in-flight chunked transfer, keyed by operation id.
type pending struct {
	total     int
	chunks    map[int][]byte
	received  int64 // cumulative unique bytes; resubmitted chunks do not double-count
	startedAt time.Time
}

// Reassembler accumulates numbered chunks into complete payloads. It is the
// sole owner of the pending-transfer map; other components never touch the
// bookkeeping directly.
type Reassembler struct {
	mu         sync.Mutex
	transfers  map[string]*pending
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewReassembler creates a Reassembler with the given stale-transfer timeout.
// A non-positive timeout falls back to DefaultStaleAfter.
func NewReassembler(staleAfter time.Duration, log zerolog.Logger) *Reassembler {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reassembler{
		transfers:  make(map[string]*pending),
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log,
	}
}

// AddChunk records one chunk of a transfer. When the final missing chunk
// arrives it returns the payload concatenated in index order and drops the
// transfer's bookkeeping; until then it returns nil. Duplicate submissions of
// an index overwrite idempotently and are not double-counted in the
// cumulative size.
func (r *Reassembler) AddChunk(opID string, index, total int, data []byte) ([]byte, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: total %d", ErrChunkOutOfRange, total)
	}
	if index < 0 || index >= total {
		return nil, fmt.Errorf("%w: index %d of %d", ErrChunkOutOfRange, index, total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.transfers[opID]
	if !ok {
		p = &pending{
			total:     total,
			chunks:    make(map[int][]byte, total),
			startedAt: r.now(),
		}
		r.transfers[opID] = p
	}

	if prev, dup := p.chunks[index]; dup {
		p.received -= int64(len(prev))
	}
	// Copy: the caller's buffer is reused by the read loop.
	buf := make([]byte, len(data))
	copy(buf, data)
	p.chunks[index] = buf
	p.received += int64(len(buf))

	if len(p.chunks) < p.total {
		return nil, nil
	}

	out, err := assemble(p)
	if err != nil {
		return nil, err
	}
	delete(r.transfers, opID)
	r.log.Debug().Str("op", opID).Int("chunks", p.total).Int("bytes", len(out)).
		Msg("transfer reassembled")
	return out, nil
}

// assemble concatenates chunks in index order. Callers must hold r.mu and
// only invoke it once the full set is present; a gap is a protocol violation
// reported as ErrMissingChunk.
func assemble(p *pending) ([]byte, error) {
	out := make([]byte, 0, p.received)
	for i := 0; i < p.total; i++ {
		c, ok := p.chunks[i]
		if !ok {
			return nil, fmt.Errorf("%w: index %d of %d", ErrMissingChunk, i, p.total)
		}
		out = append(out, c...)
	}
	return out, nil
}

// Discard drops all bookkeeping for a transfer. Used on explicit cancel;
// unknown ids are a no-op.
func (r *Reassembler) Discard(opID string) {
	r.mu.Lock()
	delete(r.transfers, opID)
	r.mu.Unlock()
}

// Sweep evicts transfers whose start time is older than the stale timeout and
// returns the evicted operation ids. Run it periodically so abandoned uploads
// cannot grow memory without bound.
func (r *Reassembler) Sweep() []string {
	cutoff := r.now().Add(-r.staleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for opID, p := range r.transfers {
		if p.startedAt.Before(cutoff) {
			delete(r.transfers, opID)
			evicted = append(evicted, opID)
			r.log.Warn().Str("op", opID).Int("have", len(p.chunks)).Int("want", p.total).
				Msg("evicting stale transfer")
		}
	}
	return evicted
}

// Pending returns the number of in-flight transfers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

// VerifyChecksum compares the SHA-256 digest of data against the hex digest
// the sender declared. It reports the result; acting on a mismatch is the
// caller's decision.
func VerifyChecksum(data []byte, expectedHex string) bool {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == expectedHex
}

// ChecksumHex returns the hex SHA-256 digest of data, for the sending side.
func ChecksumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
