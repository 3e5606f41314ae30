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

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(1<<20, 4, mergelog.New("test"))
}

func testPaths(t *testing.T, name string) partitionfile.Paths {
	t.Helper()
	dir := t.TempDir()
	return partitionfile.Paths{
		Data:  filepath.Join(dir, name+".data"),
		Index: filepath.Join(dir, name+".index"),
		Meta:  filepath.Join(dir, name+".meta"),
	}
}

// An in-flight stream for a mergeId that gets superseded by a higher
// mergeId must see STALE_BLOCK_PUSH on completion, not TOO_LATE
// (spec.md §4.3 scenario 8), even though both are "this mergeId no
// longer accepts pushes" conditions internally.
func TestInFlightStreamSeesStaleAfterMergeIDSupersession(t *testing.T) {
	m := newTestManager(t)

	s0, err := m.OpenStream("app0", 0, 1, 0, 0, 2, "stream-0", testPaths(t, "p0"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s0.OnData([]byte("first-generation")); err != nil {
		t.Fatal(err)
	}

	// A higher mergeId supersedes the shuffle before s0 completes.
	s1, err := m.OpenStream("app0", 0, 1, 1, 0, 2, "stream-1", testPaths(t, "p1"))
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := s0.OnComplete()
	if err != nil {
		t.Fatal(err)
	}
	if outcome != mergeproto.OutcomeStale {
		t.Fatalf("outcome = %v, want Stale", outcome)
	}

	if err := s1.OnData([]byte("second-generation")); err != nil {
		t.Fatal(err)
	}
	outcome, err = s1.OnComplete()
	if err != nil {
		t.Fatal(err)
	}
	if outcome != mergeproto.OutcomeOK {
		t.Fatalf("s1 outcome = %v, want OK", outcome)
	}
}

// A push that arrives after a shuffle has already been superseded to
// a higher mergeId is rejected up front as Stale, without ever
// opening a partition file.
func TestNewPushForSupersededMergeIDIsRejectedAsStale(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.OpenStream("app0", 0, 1, 5, 0, 0, "stream-0", testPaths(t, "p0")); err != nil {
		t.Fatal(err)
	}

	stream, err := m.OpenStream("app0", 0, 1, 2, 0, 0, "stream-1", testPaths(t, "p1"))
	if err != nil {
		t.Fatal(err)
	}
	outcome, err := stream.OnComplete()
	if err != nil {
		t.Fatal(err)
	}
	if outcome != mergeproto.OutcomeStale {
		t.Fatalf("outcome = %v, want Stale", outcome)
	}
}

// A push that arrives after the shuffle has been finalized is
// rejected as TooLate, distinct from the mergeId-supersession case.
func TestPushAfterFinalizeIsRejectedAsTooLate(t *testing.T) {
	m := newTestManager(t)

	stream, err := m.OpenStream("app0", 0, 1, 0, 0, 0, "stream-0", testPaths(t, "p0"))
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.OnData([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.OnComplete(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Finalize("app0", 0, 1, 0); err != nil {
		t.Fatal(err)
	}

	late, err := m.OpenStream("app0", 0, 1, 0, 1, 0, "stream-1", testPaths(t, "p1"))
	if err != nil {
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

func TestCloseAttemptClosesOpenPartitions(t *testing.T) {
	m := newTestManager(t)

	stream, err := m.OpenStream("app0", 0, 1, 0, 0, 0, "stream-0", testPaths(t, "p0"))
	if err != nil {
		t.Fatal(err)
	}
	m.CloseAttempt("app0", 0)

	if err := stream.OnData([]byte("x")); err != mergeproto.ErrClosedChannel {
		t.Fatalf("err = %v, want ErrClosedChannel", err)
	}
}
