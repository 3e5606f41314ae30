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

// Package mergestate implements the per-partition concurrency state
// machine of spec.md §4.3 and the stream callback of spec.md §4.4.
//
// A Partition serializes every concurrent stream callback operation
// under its own mutex, the same way tenant/dcache.Cache serializes
// concurrent fills of the same cache entry with lockID/unlockID —
// generalized here from "one lock guarding the whole cache" to "one
// lock per partition, with an explicit write-slot instead of a
// blocking condition variable" (a deferred writer never blocks; it
// just buffers and returns).
package mergestate

import (
	"errors"
	"fmt"

	"github.com/sneller-oss/shufflemerge/internal/bitmapset"
	"github.com/sneller-oss/shufflemerge/internal/mergelog"
	"github.com/sneller-oss/shufflemerge/internal/mergeproto"
	"github.com/sneller-oss/shufflemerge/internal/partitionfile"

	"sync"
)

// Partition is the per-(appAttemptShuffleMergeId, reduceId) state of
// spec.md §3. All exported methods that read or change partition
// state acquire the partition's own mutex;
// different partitions proceed fully in parallel (spec.md §5).
type Partition struct {
	mu     sync.Mutex
	files  *partitionfile.Set
	logger *mergelog.Logger

	minChunkSize int64

	position           int64
	lastChunkOffset    uint64
	lastMergedMapIndex int32
	currentMapIndex    int32
	encounteredFailure bool

	mapTracker   bitmapset.Set
	chunkTracker bitmapset.Set

	removed bool // finalized: TOO_LATE from here on
	stale   bool // superseded by a higher mergeId: STALE from here on (spec.md §4.3 scenario 8)
	closed  bool // files closed out from under an in-flight stream by attempt supersession
}

// NewPartition opens the on-disk files for one partition and
// returns a Partition ready to accept streams.
func NewPartition(paths partitionfile.Paths, minChunkSize int64, ioThreshold uint32, logger *mergelog.Logger) (*Partition, error) {
	files, err := partitionfile.Open(paths, ioThreshold)
	if err != nil {
		return nil, err
	}
	return &Partition{
		files:           files,
		logger:          logger,
		minChunkSize:    minChunkSize,
		currentMapIndex: -1,
	}, nil
}

// classification of a push at the partition level; TOO_LATE and
// STALE are decided one level up (mergestate.Manager), since a bare
// Partition does not know about shuffle merge generations.
type classification int

const (
	classActive classification = iota
	classDefer
	classDuplicate
)

// classify implements the duplicate/active/defer rows of the
// decision table in spec.md §4.3 (the TOO_LATE/STALE rows are
// evaluated by the caller before a Partition is even looked up).
// Must be called with p.mu held.
func (p *Partition) classify(mapIndex int32) classification {
	if p.mapTracker.Contains(mapIndex) {
		return classDuplicate
	}
	if p.currentMapIndex == -1 || p.currentMapIndex == mapIndex {
		return classActive
	}
	return classDefer
}

// MapTracker returns a snapshot of the set of map indices merged so
// far into this partition.
func (p *Partition) MapTracker() bitmapset.Set {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapTracker.Clone()
}

// Position returns the last committed end-offset in the data file.
func (p *Partition) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// markClosed closes the partition's file handles out from under any
// in-flight stream, used when an application attempt is superseded
// (spec.md §4.3, "New application attempt registers..."). Any
// subsequent on_data on a stream of this partition will see p.closed
// and fail with ErrClosedChannel.
func (p *Partition) markClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.removed {
		return
	}
	p.closed = true
	p.files.CloseAll()
}

// markStale marks the partition STALE for any further access, used on
// supersession by a higher mergeId (spec.md §4.3 scenario 8: "Any
// stream for the retired mergeId that later completes gets
// STALE_BLOCK_PUSH"). File deletion is handled separately/
// asynchronously and does not require the files to be closed here.
func (p *Partition) markStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stale = true
}

// StreamCallback is the ephemeral per-push object described in
// spec.md §3 and §4.4. It is not safe for concurrent use by more
// than one goroutine at a time (the transport is expected to
// serialize on_data/on_complete/on_failure per stream, per spec.md
// §5's "ordering guarantees").
type StreamCallback struct {
	id        string
	partition *Partition
	mapIndex  int32

	length      int64
	isWriting   bool
	isDuplicate bool
	deferred    [][]byte
}

// NewStream creates a StreamCallback bound to this partition for the
// given push id and map index.
func (p *Partition) NewStream(id string, mapIndex int32) *StreamCallback {
	return &StreamCallback{id: id, partition: p, mapIndex: mapIndex}
}

// ID returns the stable push id, per spec.md §6.
func (s *StreamCallback) ID() string { return s.id }

// appendBytes writes buf to the partition's data file, recovering
// from a previously-encountered mid-block failure by overwriting the
// stale tail at position+length (spec.md §4.2, §4.4). Must be called
// with p.mu held.
func (s *StreamCallback) appendBytes(buf []byte) error {
	p := s.partition
	var n int
	var err error
	if p.encounteredFailure {
		n, err = p.files.WriteDataAt(buf, p.position+s.length)
		if err == nil {
			p.encounteredFailure = false
		}
	} else {
		n, err = p.files.WriteData(buf)
	}
	s.length += int64(n)
	if err != nil {
		if !errors.Is(err, mergeproto.ErrPartitionAborted) {
			p.encounteredFailure = true
		}
		return err
	}
	return nil
}

// OnData implements the stream callback contract of spec.md §4.4.
// A nil error means the RPC frame was consumed successfully, whether
// or not the bytes were actually written yet (duplicates and
// too-late pushes also return nil here; only a real I/O failure or
// ErrClosedChannel/ErrPartitionAborted is an error).
func (s *StreamCallback) OnData(buf []byte) error {
	p := s.partition
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return mergeproto.ErrClosedChannel
	}
	if p.removed || p.stale {
		s.deferred = nil
		return nil
	}

	switch p.classify(s.mapIndex) {
	case classDuplicate:
		s.isDuplicate = true
		s.deferred = nil
		return nil
	case classActive:
		s.isWriting = true
		p.currentMapIndex = s.mapIndex
		for _, d := range s.deferred {
			if err := s.appendBytes(d); err != nil {
				return err
			}
		}
		s.deferred = nil
		cp := append([]byte(nil), buf...)
		return s.appendBytes(cp)
	default: // classDefer
		cp := append([]byte(nil), buf...)
		s.deferred = append(s.deferred, cp)
		return nil
	}
}

// OnComplete implements the stream callback contract of spec.md §4.4,
// executing the active-completion protocol of §4.3.
func (s *StreamCallback) OnComplete() (mergeproto.PushOutcome, error) {
	p := s.partition
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, mergeproto.ErrClosedChannel
	}
	if p.removed {
		return mergeproto.OutcomeTooLate, nil
	}
	if p.stale {
		return mergeproto.OutcomeStale, nil
	}
	if s.isDuplicate {
		return mergeproto.OutcomeOK, nil
	}
	if p.currentMapIndex != s.mapIndex {
		s.deferred = nil
		return mergeproto.OutcomeCollision, nil
	}

	for _, d := range s.deferred {
		if err := s.appendBytes(d); err != nil {
			return 0, err
		}
	}
	s.deferred = nil

	updatedPos := p.position + s.length
	p.chunkTracker.Add(s.mapIndex)
	if updatedPos-int64(p.lastChunkOffset) >= p.minChunkSize {
		if err := p.commitChunk(updatedPos); err != nil {
			if errors.Is(err, mergeproto.ErrPartitionAborted) {
				return 0, err
			}
			p.logger.Warnf("mergestate: deferring chunk commit after I/O error: %v", err)
		}
	}

	p.position = updatedPos
	p.currentMapIndex = -1
	p.mapTracker.Add(s.mapIndex)
	p.lastMergedMapIndex = s.mapIndex
	return mergeproto.OutcomeOK, nil
}

// commitChunk writes the chunk_tracker bitmap to meta and the chunk
// offset to index, then advances last_chunk_offset and resets
// chunk_tracker (invariant I2/I5). Must be called with p.mu held.
func (p *Partition) commitChunk(offset int64) error {
	bm, err := p.chunkTracker.MarshalBinary()
	if err != nil {
		return fmt.Errorf("mergestate: serializing chunk bitmap: %w", err)
	}
	if err := p.files.UpdateChunkInfo(uint64(offset), bm); err != nil {
		return err
	}
	p.lastChunkOffset = uint64(offset)
	p.chunkTracker.Clear()
	return nil
}

// OnFailure implements the stream callback contract of spec.md §4.4.
// It is idempotent: a second call for the same stream is a no-op.
func (s *StreamCallback) OnFailure(cause error) {
	p := s.partition
	p.mu.Lock()
	defer p.mu.Unlock()

	if !s.isWriting {
		return
	}
	if p.currentMapIndex == s.mapIndex {
		p.encounteredFailure = true
		p.currentMapIndex = -1
	}
	s.isWriting = false
}

// Result is the per-partition outcome produced by Finalize, matching
// the reduceId/size/bitmap triple of spec.md §4.3's merge-statuses.
type Result struct {
	Size   int64
	Bitmap bitmapset.Set
}

// Finalize executes the per-partition finalize steps of spec.md
// §4.3: truncate the partial tail, commit the final chunk if one is
// still open, close all files, and mark the partition removed.
func (p *Partition) Finalize() (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.files.TruncateData(p.position); err != nil {
		return Result{}, fmt.Errorf("mergestate: finalize truncate: %w", err)
	}
	if uint64(p.position) != p.lastChunkOffset {
		if err := p.commitChunk(p.position); err != nil {
			return Result{}, fmt.Errorf("mergestate: finalize chunk commit: %w", err)
		}
	}
	if err := p.files.CloseAll(); err != nil {
		return Result{}, fmt.Errorf("mergestate: finalize close: %w", err)
	}
	p.removed = true
	return Result{Size: p.position, Bitmap: p.mapTracker.Clone()}, nil
}
