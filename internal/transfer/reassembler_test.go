package transfer

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testReassembler(staleAfter time.Duration) *Reassembler {
	return NewReassembler(staleAfter, zerolog.Nop())
}

func TestAddChunkInOrder(t *testing.T) {
	r := testReassembler(0)

	parts := [][]byte{[]byte("alpha-"), []byte("beta-"), []byte("gamma")}
	for i, p := range parts[:2] {
		out, err := r.AddChunk("op-1", i, 3, p)
		if err != nil {
			t.Fatalf("AddChunk(%d): %v", i, err)
		}
		if out != nil {
			t.Fatalf("AddChunk(%d) returned %q before final chunk", i, out)
		}
	}

	out, err := r.AddChunk("op-1", 2, 3, parts[2])
	if err != nil {
		t.Fatalf("AddChunk(final): %v", err)
	}
	if want := []byte("alpha-beta-gamma"); !bytes.Equal(out, want) {
		t.Errorf("reassembled = %q, want %q", out, want)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after completion, want 0", r.Pending())
	}
}

func TestAddChunkAnyPermutation(t *testing.T) {
	const total = 8
	parts := make([][]byte, total)
	var want []byte
	for i := range parts {
		parts[i] = bytes.Repeat([]byte{byte('a' + i)}, 10+i)
		want = append(want, parts[i]...)
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		r := testReassembler(0)
		order := rng.Perm(total)

		var out []byte
		for n, i := range order {
			got, err := r.AddChunk("op", i, total, parts[i])
			if err != nil {
				t.Fatalf("trial %d: AddChunk(%d): %v", trial, i, err)
			}
			if n < total-1 && got != nil {
				t.Fatalf("trial %d: early completion after %d chunks", trial, n+1)
			}
			out = got
		}
		if !bytes.Equal(out, want) {
			t.Fatalf("trial %d (order %v): result differs from index-order concatenation", trial, order)
		}
	}
}

func TestAddChunkDuplicateIdempotent(t *testing.T) {
	r := testReassembler(0)

	if _, err := r.AddChunk("op", 0, 2, []byte("first")); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	// Resubmit index 0 with different bytes: overwrite, no double count.
	if _, err := r.AddChunk("op", 0, 2, []byte("FIRST!")); err != nil {
		t.Fatalf("AddChunk resubmit: %v", err)
	}

	out, err := r.AddChunk("op", 1, 2, []byte("second"))
	if err != nil {
		t.Fatalf("AddChunk final: %v", err)
	}
	if want := []byte("FIRST!second"); !bytes.Equal(out, want) {
		t.Errorf("reassembled = %q, want %q", out, want)
	}
}

func TestAddChunkOutOfRange(t *testing.T) {
	r := testReassembler(0)

	tests := []struct {
		index, total int
	}{
		{-1, 3},
		{3, 3},
		{0, 0},
		{0, -1},
	}
	for _, tt := range tests {
		if _, err := r.AddChunk("op", tt.index, tt.total, nil); !errors.Is(err, ErrChunkOutOfRange) {
			t.Errorf("AddChunk(index=%d, total=%d) error = %v, want ErrChunkOutOfRange", tt.index, tt.total, err)
		}
	}
	if r.Pending() != 0 {
		t.Errorf("rejected chunks must not create bookkeeping, Pending() = %d", r.Pending())
	}
}

func TestDiscard(t *testing.T) {
	r := testReassembler(0)

	if _, err := r.AddChunk("op-cancel", 0, 3, []byte("x")); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	r.Discard("op-cancel")
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after Discard, want 0", r.Pending())
	}
	// Unknown id is a no-op.
	r.Discard("never-seen")
}

func TestSweepEvictsStaleTransfer(t *testing.T) {
	r := testReassembler(time.Minute)

	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	if _, err := r.AddChunk("op-1", 0, 3, []byte("early")); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}

	// Advance past the idle deadline, then sweep.
	now = now.Add(2 * time.Minute)
	evicted := r.Sweep()
	if len(evicted) != 1 || evicted[0] != "op-1" {
		t.Fatalf("Sweep() = %v, want [op-1]", evicted)
	}

	// Late chunks start a fresh transfer; no stale completion from the
	// pre-eviction chunk.
	for i, data := range [][]byte{[]byte("b"), []byte("c")} {
		out, err := r.AddChunk("op-1", i+1, 3, data)
		if err != nil {
			t.Fatalf("AddChunk(%d): %v", i+1, err)
		}
		if out != nil {
			t.Fatalf("chunk %d completed a transfer that should have restarted", i+1)
		}
	}
	if r.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1 fresh transfer", r.Pending())
	}
}

func TestSweepKeepsFreshTransfers(t *testing.T) {
	r := testReassembler(time.Minute)
	if _, err := r.AddChunk("op-fresh", 0, 2, []byte("x")); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if evicted := r.Sweep(); len(evicted) != 0 {
		t.Errorf("Sweep() evicted %v, want none", evicted)
	}
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("the payload under test")
	digest := ChecksumHex(data)

	if !VerifyChecksum(data, digest) {
		t.Error("VerifyChecksum rejected a correct digest")
	}
	if VerifyChecksum(data, "deadbeef") {
		t.Error("VerifyChecksum accepted a wrong digest")
	}
	if VerifyChecksum(append(data, '!'), digest) {
		t.Error("VerifyChecksum accepted tampered data")
	}
}
