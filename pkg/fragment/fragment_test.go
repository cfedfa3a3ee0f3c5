package fragment

import (
	"bytes"
	"testing"
	"time"

	"github.com/bbbikngman/callwarden/pkg/wire"
)

func sessionID(b byte) [wire.SessionIDSize]byte {
	var id [wire.SessionIDSize]byte
	for i := range id {
		id[i] = b
	}
	return id
}

func chunkBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func TestSplitSizes(t *testing.T) {
	t.Parallel()

	// 4100 bytes at the 1371-byte budget: three fragments of 1371, 1371, 1358.
	frags := Split(chunkBytes(4100), sessionID(1), 7, 0)
	if len(frags) != 3 {
		t.Fatalf("fragment count = %d, want 3", len(frags))
	}
	wantSizes := []int{1371, 1371, 1358}
	for i, f := range frags {
		if len(f.Data) != wantSizes[i] {
			t.Errorf("fragment %d size = %d, want %d", i, len(f.Data), wantSizes[i])
		}
		if f.Header.FragmentIndex != uint16(i) {
			t.Errorf("fragment %d index = %d", i, f.Header.FragmentIndex)
		}
		if f.Header.FragmentCount != 3 {
			t.Errorf("fragment %d count = %d, want 3", i, f.Header.FragmentCount)
		}
		if f.Header.ChunkIndex != 7 {
			t.Errorf("fragment %d chunk = %d, want 7", i, f.Header.ChunkIndex)
		}
		if f.Header.SessionID != sessionID(1) {
			t.Errorf("fragment %d has wrong session id", i)
		}
	}
}

func TestSplitSingleFragmentAndEmpty(t *testing.T) {
	t.Parallel()

	if frags := Split(nil, sessionID(1), 1, 0); frags != nil {
		t.Fatalf("Split(nil) = %d fragments, want nil", len(frags))
	}
	frags := Split(chunkBytes(100), sessionID(1), 1, 0)
	if len(frags) != 1 || frags[0].Header.FragmentCount != 1 {
		t.Fatalf("small chunk: got %d fragments", len(frags))
	}
}

func TestSplitRespectsDatagramBudget(t *testing.T) {
	t.Parallel()

	for _, f := range Split(chunkBytes(100_000), sessionID(2), 1, 0) {
		pkt, err := Encode(f)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if len(pkt) > wire.MaxDatagram {
			t.Fatalf("datagram size %d exceeds %d", len(pkt), wire.MaxDatagram)
		}
	}
}

func TestReassembleIdentity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		size int
	}{
		{"one fragment", 512},
		{"exact boundary", wire.MaxFragmentPayload * 2},
		{"many fragments", 50_000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			original := chunkBytes(tc.size)
			frags := Split(original, sessionID(3), 9, 0)

			a := NewAssembler()
			var got []byte
			var done bool
			for _, f := range frags {
				got, done = a.Add(f.Header, f.Data)
			}
			if !done {
				t.Fatal("chunk did not complete")
			}
			if !bytes.Equal(got, original) {
				t.Fatalf("reassembled %d bytes != original %d bytes", len(got), len(original))
			}
			if s := a.Stats(); s.Completed != 1 {
				t.Errorf("Completed = %d, want 1", s.Completed)
			}
		})
	}
}

func TestReassembleOutOfOrderAndDuplicates(t *testing.T) {
	t.Parallel()

	original := chunkBytes(4100)
	frags := Split(original, sessionID(4), 1, 0)

	a := NewAssembler()
	// Deliver in reverse with a duplicate in the middle.
	if _, done := a.Add(frags[2].Header, frags[2].Data); done {
		t.Fatal("completed too early")
	}
	if _, done := a.Add(frags[1].Header, frags[1].Data); done {
		t.Fatal("completed too early")
	}
	if _, done := a.Add(frags[1].Header, frags[1].Data); done {
		t.Fatal("duplicate completed the chunk")
	}
	got, done := a.Add(frags[0].Header, frags[0].Data)
	if !done {
		t.Fatal("chunk did not complete")
	}
	if !bytes.Equal(got, original) {
		t.Fatal("reassembled bytes differ from original")
	}
}

func TestIncompleteChunkTimesOut(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	a := NewAssembler(WithTimeout(5*time.Second), withClock(func() time.Time { return now }))

	frags := Split(chunkBytes(4100), sessionID(5), 1, 0)
	a.Add(frags[0].Header, frags[0].Data)
	a.Add(frags[1].Header, frags[1].Data)

	// Past the window, the missing fragment arrives for a fresh chunk; the
	// expired one must be dropped whole, never emitted partially.
	now = now.Add(6 * time.Second)
	next := Split(chunkBytes(100), sessionID(5), 2, 0)
	if _, done := a.Add(next[0].Header, next[0].Data); !done {
		t.Fatal("fresh single-fragment chunk should complete")
	}
	if s := a.Stats(); s.TimedOut != 1 {
		t.Errorf("TimedOut = %d, want 1", s.TimedOut)
	}

	// The straggler of the expired chunk is late, not a new pending entry.
	if _, done := a.Add(frags[2].Header, frags[2].Data); done {
		t.Fatal("late fragment completed an expired chunk")
	}
	if s := a.Stats(); s.LateFragments != 1 {
		t.Errorf("LateFragments = %d, want 1", s.LateFragments)
	}
}

func TestNewerChunkSupersedesOlder(t *testing.T) {
	t.Parallel()

	a := NewAssembler()

	old := Split(chunkBytes(4100), sessionID(6), 1, 0)
	a.Add(old[0].Header, old[0].Data)

	// Chunk 2 arrives before chunk 1 finished: chunk 1 is abandoned.
	fresh := Split(chunkBytes(2000), sessionID(6), 2, 0)
	for _, f := range fresh {
		a.Add(f.Header, f.Data)
	}
	if s := a.Stats(); s.Superseded != 1 {
		t.Errorf("Superseded = %d, want 1", s.Superseded)
	}

	// Remaining fragments of chunk 1 are dropped as late.
	if _, done := a.Add(old[1].Header, old[1].Data); done {
		t.Fatal("superseded chunk completed")
	}
	if _, done := a.Add(old[2].Header, old[2].Data); done {
		t.Fatal("superseded chunk completed")
	}
	if s := a.Stats(); s.LateFragments != 2 {
		t.Errorf("LateFragments = %d, want 2", s.LateFragments)
	}

	// Different session is unaffected by this session's high-water mark.
	other := Split(chunkBytes(100), sessionID(7), 1, 0)
	if _, done := a.Add(other[0].Header, other[0].Data); !done {
		t.Fatal("other session's chunk should complete")
	}
}

func TestAddRejectsNonsenseHeaders(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	h := wire.FragmentHeader{SessionID: sessionID(8), ChunkIndex: 1, FragmentIndex: 0, FragmentCount: 0}
	if _, done := a.Add(h, []byte("x")); done {
		t.Fatal("zero fragment count accepted")
	}
	h = wire.FragmentHeader{SessionID: sessionID(8), ChunkIndex: 1, FragmentIndex: 5, FragmentCount: 3}
	if _, done := a.Add(h, []byte("x")); done {
		t.Fatal("out-of-range fragment index accepted")
	}
}
