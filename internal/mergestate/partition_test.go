// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package mergestate

import (
	"path/filepath"
	"testing"

	"github.com/sneller-oss/shufflemerge/internal/mergelog"
	"github.com/sneller-oss/shufflemerge/internal/mergeproto"
	"github.com/sneller-oss/shufflemerge/internal/partitionfile"
)

func newTestPartition(t *testing.T, minChunkSize int64) *Partition {
	t.Helper()
	dir := t.TempDir()
	paths := partitionfile.Paths{
		Data:  filepath.Join(dir, "p.data"),
		Index: filepath.Join(dir, "p.index"),
		Meta:  filepath.Join(dir, "p.meta"),
	}
	p, err := NewPartition(paths, minChunkSize, 4, mergelog.New("test"))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func mustComplete(t *testing.T, s *StreamCallback) mergeproto.PushOutcome {
	t.Helper()
	outcome, err := s.OnComplete()
	if err != nil {
		t.Fatalf("OnComplete: %v", err)
	}
	return outcome
}

func TestBasicMergeSingleMap(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	s := p.NewStream("stream0", 0)
	if err := s.OnData([]byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if err := s.OnData([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if outcome := mustComplete(t, s); outcome != mergeproto.OutcomeOK {
		t.Fatalf("outcome = %v, want OK", outcome)
	}
	if p.Position() != int64(len("hello world")) {
		t.Fatalf("position = %d, want %d", p.Position(), len("hello world"))
	}
	if !p.MapTracker().Contains(0) {
		t.Fatal("map 0 should be tracked as merged")
	}
}

func TestChunkCoalescing(t *testing.T) {
	// minChunkSize small enough that two tiny pushes close the same
	// chunk only once their combined size crosses the threshold.
	p := newTestPartition(t, 8)
	s0 := p.NewStream("s0", 0)
	s0.OnData([]byte("1234"))
	if outcome := mustComplete(t, s0); outcome != mergeproto.OutcomeOK {
		t.Fatalf("outcome = %v, want OK", outcome)
	}
	if p.lastChunkOffset != 0 {
		t.Fatalf("chunk should not have committed yet, lastChunkOffset=%d", p.lastChunkOffset)
	}
	s1 := p.NewStream("s1", 1)
	s1.OnData([]byte("5678"))
	if outcome := mustComplete(t, s1); outcome != mergeproto.OutcomeOK {
		t.Fatalf("outcome = %v, want OK", outcome)
	}
	if p.lastChunkOffset != 8 {
		t.Fatalf("expected chunk commit at offset 8 after crossing threshold, got %d", p.lastChunkOffset)
	}
	bm := p.MapTracker()
	if !bm.Contains(0) || !bm.Contains(1) {
		t.Fatal("both map indices should be merged")
	}
}

func TestDeferredPushFlushedOnActivation(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	active := p.NewStream("active", 0)
	deferred := p.NewStream("deferred", 1)

	if err := active.OnData([]byte("AAA")); err != nil {
		t.Fatal(err)
	}
	// a second map index arrives while 0 still holds the write slot:
	// it must be buffered, not written.
	if err := deferred.OnData([]byte("BBB")); err != nil {
		t.Fatal(err)
	}
	if p.Position() != 0 {
		t.Fatalf("deferred write must not advance position yet, got %d", p.Position())
	}
	if outcome := mustComplete(t, active); outcome != mergeproto.OutcomeOK {
		t.Fatalf("active outcome = %v, want OK", outcome)
	}

	// now map 1 becomes active and its deferred buffer flushes first
	if err := deferred.OnData([]byte("CCC")); err != nil {
		t.Fatal(err)
	}
	if outcome := mustComplete(t, deferred); outcome != mergeproto.OutcomeOK {
		t.Fatalf("deferred outcome = %v, want OK", outcome)
	}
	if p.Position() != int64(len("AAA")+len("BBB")+len("CCC")) {
		t.Fatalf("position = %d, want %d", p.Position(), len("AAA")+len("BBB")+len("CCC"))
	}
}

func TestCollisionWhenWriteSlotMovesOnBeforeCompletion(t *testing.T) {
	p := newTestPartition(t, 1<<20)

	a := p.NewStream("a", 0)
	if err := a.OnData([]byte("a")); err != nil {
		t.Fatal(err)
	}
	b := p.NewStream("b", 1)
	if err := b.OnData([]byte("b")); err != nil { // buffered: map 0 holds the slot
		t.Fatal(err)
	}
	if outcome := mustComplete(t, a); outcome != mergeproto.OutcomeOK {
		t.Fatalf("a outcome = %v, want OK", outcome)
	}

	c := p.NewStream("c", 2)
	if err := c.OnData([]byte("c")); err != nil { // map 2 takes the now-free slot
		t.Fatal(err)
	}

	// b never got to run again; the slot moved on to map 2 underneath
	// it, so its completion must report a collision rather than
	// silently writing its buffered bytes under the wrong map index.
	outcome, err := b.OnComplete()
	if err != nil {
		t.Fatal(err)
	}
	if outcome != mergeproto.OutcomeCollision {
		t.Fatalf("b outcome = %v, want Collision", outcome)
	}

	if outcome := mustComplete(t, c); outcome != mergeproto.OutcomeOK {
		t.Fatalf("c outcome = %v, want OK", outcome)
	}
}

func TestDuplicateAfterSuccessfulMerge(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	s0 := p.NewStream("s0", 3)
	s0.OnData([]byte("data"))
	if outcome := mustComplete(t, s0); outcome != mergeproto.OutcomeOK {
		t.Fatalf("outcome = %v, want OK", outcome)
	}
	pos := p.Position()

	dup := p.NewStream("dup", 3)
	if err := dup.OnData([]byte("ignored")); err != nil {
		t.Fatal(err)
	}
	if outcome := mustComplete(t, dup); outcome != mergeproto.OutcomeOK {
		t.Fatalf("duplicate outcome = %v, want OK", outcome)
	}
	if p.Position() != pos {
		t.Fatalf("duplicate push must not write any bytes, position changed from %d to %d", pos, p.Position())
	}
}

func TestLateAfterFinalize(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	s0 := p.NewStream("s0", 0)
	s0.OnData([]byte("data"))
	mustComplete(t, s0)

	if _, err := p.Finalize(); err != nil {
		t.Fatal(err)
	}

	late := p.NewStream("late", 1)
	if err := late.OnData([]byte("too late")); err != nil {
		t.Fatal(err)
	}
	outcome, err := late.OnComplete()
	if err != nil {
		t.Fatal(err)
	}
	if outcome != mergeproto.OutcomeTooLate {
		t.Fatalf("outcome = %v, want TooLate", outcome)
	}
}

func TestClosedChannelAfterMarkClosed(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	s := p.NewStream("s", 0)
	p.markClosed()
	if err := s.OnData([]byte("x")); err != mergeproto.ErrClosedChannel {
		t.Fatalf("err = %v, want ErrClosedChannel", err)
	}
	if _, err := s.OnComplete(); err != mergeproto.ErrClosedChannel {
		t.Fatalf("err = %v, want ErrClosedChannel", err)
	}
}

func TestOnFailureIsIdempotentAndReleasesSlot(t *testing.T) {
	p := newTestPartition(t, 1<<20)
	s := p.NewStream("s", 7)
	s.OnData([]byte("partial"))
	if p.currentMapIndex != 7 {
		t.Fatalf("currentMapIndex = %d, want 7", p.currentMapIndex)
	}
	s.OnFailure(nil)
	s.OnFailure(nil) // must not panic or double-release
	if p.currentMapIndex != -1 {
		t.Fatalf("currentMapIndex after failure = %d, want -1", p.currentMapIndex)
	}
	if !p.encounteredFailure {
		t.Fatal("expected encounteredFailure to be set")
	}

	// a retry for the same map index now recovers by overwriting the
	// stale tail rather than appending past it.
	retry := p.NewStream("retry", 7)
	if err := retry.OnData([]byte("whole-block")); err != nil {
		t.Fatal(err)
	}
	if outcome := mustComplete(t, retry); outcome != mergeproto.OutcomeOK {
		t.Fatalf("retry outcome = %v, want OK", outcome)
	}
	if p.Position() != int64(len("whole-block")) {
		t.Fatalf("position = %d, want %d", p.Position(), len("whole-block"))
	}
}

func TestFinalizeWithOpenChunkCommitsTail(t *testing.T) {
	p := newTestPartition(t, 1<<20) // never crosses threshold on its own
	s := p.NewStream("s", 0)
	s.OnData([]byte("tail-bytes"))
	mustComplete(t, s)

	res, err := p.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if res.Size != int64(len("tail-bytes")) {
		t.Fatalf("Size = %d, want %d", res.Size, len("tail-bytes"))
	}
	if !res.Bitmap.Contains(0) {
		t.Fatal("finalize result bitmap should contain map 0")
	}
	if p.lastChunkOffset != uint64(len("tail-bytes")) {
		t.Fatalf("lastChunkOffset = %d, want %d", p.lastChunkOffset, len("tail-bytes"))
	}
}
