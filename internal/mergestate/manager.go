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
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/sneller-oss/shufflemerge/internal/mergelog"
	"github.com/sneller-oss/shufflemerge/internal/mergeproto"
	"github.com/sneller-oss/shufflemerge/internal/partitionfile"
)

// Stream is the interface both a live StreamCallback and a
// no-op (late/stale) stand-in satisfy, matching spec.md §6's
// stream-callback contract.
type Stream interface {
	ID() string
	OnData(buf []byte) error
	OnComplete() (mergeproto.PushOutcome, error)
	OnFailure(cause error)
}

type shuffleKey struct {
	appID     string
	attemptID int32
	shuffleID int32
}

type shuffleEntry struct {
	mergeID    int32
	partitions map[int32]*partitionHandle
	finalized  bool
}

type partitionHandle struct {
	part  *Partition
	paths partitionfile.Paths
}

// Manager tracks ShuffleState for every (appAttemptId, shuffleId)
// pair observed so far (spec.md §3), and is the entry point used by
// internal/mergemgr to classify and dispatch pushes. Manager's own
// lock only ever guards the shuffles map itself; all per-partition
// work happens under the partition's own mutex (spec.md §5).
type Manager struct {
	mu       sync.Mutex
	shuffles map[shuffleKey]*shuffleEntry

	minChunkSize int64
	ioThreshold  uint32
	logger       *mergelog.Logger

	// DeleteFiles is invoked asynchronously, on a goroutine of its
	// own per partition, with the three file paths of a partition
	// that just became unreachable because a higher mergeId
	// superseded it. Per spec.md §4.3 this is "best effort;
	// file-existence errors ignored", so it does not go through the
	// bounded single-worker directory cleaner, which is reserved for
	// whole-directory deletes (spec.md §4.7).
	DeleteFiles func(paths partitionfile.Paths)
}

// NewManager returns a ready-to-use Manager.
func NewManager(minChunkSize int64, ioThreshold uint32, logger *mergelog.Logger) *Manager {
	return &Manager{
		shuffles:     make(map[shuffleKey]*shuffleEntry),
		minChunkSize: minChunkSize,
		ioThreshold:  uint32(ioThreshold),
		logger:       logger,
	}
}

type noopStream struct {
	id      string
	outcome mergeproto.PushOutcome
}

func (n *noopStream) ID() string { return n.id }
func (n *noopStream) OnData([]byte) error { return nil }
func (n *noopStream) OnComplete() (mergeproto.PushOutcome, error) { return n.outcome, nil }
func (n *noopStream) OnFailure(error) {}

// NewRejectedStream returns a Stream that drops any bytes it is given
// and reports outcome on completion, without ever touching a
// partition. It is used for push-time classifications that are
// decided before a shuffle/partition is even looked up, such as
// TOO_OLD_ATTEMPT_PUSH (spec.md §7's "returned to pusher" kinds).
func NewRejectedStream(streamID string, outcome mergeproto.PushOutcome) Stream {
	return &noopStream{id: streamID, outcome: outcome}
}

// OpenStream classifies and, if appropriate, opens a new stream for
// one push, implementing the TOO_LATE_BLOCK_PUSH / STALE_BLOCK_PUSH
// rows of the decision table in spec.md §4.3 and the mergeId
// supersession behavior described there. paths is the already
// path-resolver-resolved location of the partition's three files,
// used only the first time this partition is observed.
func (m *Manager) OpenStream(appID string, attemptID, shuffleID, mergeID, mapIndex, reduceID int32, streamID string, paths partitionfile.Paths) (Stream, error) {
	m.mu.Lock()
	key := shuffleKey{appID: appID, attemptID: attemptID, shuffleID: shuffleID}
	entry, ok := m.shuffles[key]
	if !ok {
		entry = &shuffleEntry{mergeID: mergeID, partitions: make(map[int32]*partitionHandle)}
		m.shuffles[key] = entry
	}
	if entry.finalized {
		m.mu.Unlock()
		return &noopStream{id: streamID, outcome: mergeproto.OutcomeTooLate}, nil
	}
	if mergeID < entry.mergeID {
		m.mu.Unlock()
		return &noopStream{id: streamID, outcome: mergeproto.OutcomeStale}, nil
	}
	if mergeID > entry.mergeID {
		retired := entry.partitions
		entry.mergeID = mergeID
		entry.partitions = make(map[int32]*partitionHandle)
		m.mu.Unlock()
		m.retire(retired)
		m.mu.Lock()
	}
	handle, ok := entry.partitions[reduceID]
	if !ok {
		m.mu.Unlock()
		part, err := NewPartition(paths, m.minChunkSize, m.ioThreshold, m.logger)
		if err != nil {
			return nil, fmt.Errorf("mergestate: opening partition: %w", err)
		}
		m.mu.Lock()
		// re-check: another goroutine may have created it, or the
		// shuffle may have been superseded/finalized while we were
		// opening files without the lock held.
		entry, ok = m.shuffles[key]
		if !ok || entry.finalized || mergeID < entry.mergeID {
			m.mu.Unlock()
			part.Finalize() // best effort close of the handles we just opened
			if !ok || entry.finalized {
				return &noopStream{id: streamID, outcome: mergeproto.OutcomeTooLate}, nil
			}
			return &noopStream{id: streamID, outcome: mergeproto.OutcomeStale}, nil
		}
		if existing, raced := entry.partitions[reduceID]; raced {
			handle = existing
			m.mu.Unlock()
			part.Finalize()
			m.mu.Lock()
		} else {
			handle = &partitionHandle{part: part, paths: paths}
			entry.partitions[reduceID] = handle
		}
	}
	m.mu.Unlock()
	return handle.part.NewStream(streamID, mapIndex), nil
}

// retire marks a map of partitions STALE and asynchronously deletes
// their files after they were just superseded by a higher mergeId
// (spec.md §4.3 scenario 8: any stream still completing against one
// of these partitions must see STALE_BLOCK_PUSH, not TOO_LATE).
func (m *Manager) retire(old map[int32]*partitionHandle) {
	for _, h := range old {
		h.part.markStale()
		if m.DeleteFiles != nil {
			paths := h.paths
			go m.DeleteFiles(paths)
		}
	}
}

// ActiveMergeID returns the currently active mergeId for a shuffle,
// and whether anything is known about it at all. It keeps returning
// the active id after finalize (read APIs need it).
func (m *Manager) ActiveMergeID(appID string, attemptID, shuffleID int32) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.shuffles[shuffleKey{appID: appID, attemptID: attemptID, shuffleID: shuffleID}]
	if !ok {
		return 0, false
	}
	return entry.mergeID, true
}

// Finalize implements spec.md §4.3's finalize_shuffle_merge.
func (m *Manager) Finalize(appID string, attemptID, shuffleID, mergeID int32) (mergeproto.MergeStatuses, error) {
	key := shuffleKey{appID: appID, attemptID: attemptID, shuffleID: shuffleID}
	m.mu.Lock()
	entry, ok := m.shuffles[key]
	if !ok {
		entry = &shuffleEntry{mergeID: mergeID, partitions: make(map[int32]*partitionHandle), finalized: true}
		m.shuffles[key] = entry
		m.mu.Unlock()
		return mergeproto.MergeStatuses{ShuffleID: shuffleID}, nil
	}
	if entry.finalized || mergeID < entry.mergeID {
		m.mu.Unlock()
		return mergeproto.MergeStatuses{}, mergeproto.ErrStaleMergeFinalize
	}
	if mergeID > entry.mergeID {
		retired := entry.partitions
		entry.mergeID = mergeID
		entry.partitions = make(map[int32]*partitionHandle)
		m.mu.Unlock()
		m.retire(retired)
		m.mu.Lock()
	}
	if len(entry.partitions) == 0 {
		entry.finalized = true
		m.mu.Unlock()
		return mergeproto.MergeStatuses{ShuffleID: shuffleID}, nil
	}
	handles := entry.partitions
	entry.partitions = nil
	m.mu.Unlock()

	reduceIDs := make([]int32, 0, len(handles))
	for rid := range handles {
		reduceIDs = append(reduceIDs, rid)
	}
	slices.Sort(reduceIDs)

	statuses := mergeproto.MergeStatuses{ShuffleID: shuffleID}
	for _, rid := range reduceIDs {
		res, err := handles[rid].part.Finalize()
		if err != nil {
			return mergeproto.MergeStatuses{}, fmt.Errorf("mergestate: finalizing partition %d: %w", rid, err)
		}
		if res.Size > 0 {
			bm, err := res.Bitmap.MarshalBinary()
			if err != nil {
				return mergeproto.MergeStatuses{}, err
			}
			statuses.ReduceIDs = append(statuses.ReduceIDs, rid)
			statuses.Sizes = append(statuses.Sizes, uint64(res.Size))
			statuses.Bitmaps = append(statuses.Bitmaps, bm)
		}
	}

	m.mu.Lock()
	entry.finalized = true
	m.mu.Unlock()
	return statuses, nil
}

// CloseAttempt closes the file handles of every partition belonging
// to (appID, attemptID) across all shuffles, and forgets that
// attempt's state. Used when a new, higher attemptId registers for
// the app (spec.md §4.3, §4.5): any stream still holding a reference
// to one of these partitions will see ErrClosedChannel on its next
// on_data call.
func (m *Manager) CloseAttempt(appID string, attemptID int32) {
	m.mu.Lock()
	var toClose []map[int32]*partitionHandle
	for key, entry := range m.shuffles {
		if key.appID == appID && key.attemptID == attemptID {
			toClose = append(toClose, entry.partitions)
			delete(m.shuffles, key)
		}
	}
	m.mu.Unlock()
	for _, handles := range toClose {
		for _, h := range handles {
			h.part.markClosed()
		}
	}
}
