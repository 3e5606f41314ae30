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

// Package mergemgr implements the public façade of spec.md §4.6:
// receive_block_data_as_stream, finalize_shuffle_merge,
// get_merged_block_meta, get_merged_block_data, register_executor, and
// application_removed. It wires together internal/pathresolver,
// internal/partitionfile (through internal/mergestate),
// internal/appregistry, and internal/dircleaner, and owns the
// weight-bounded index-file cache used by the two read APIs.
package mergemgr

import (
	"errors"
	"os"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sneller-oss/shufflemerge/internal/appregistry"
	"github.com/sneller-oss/shufflemerge/internal/dircleaner"
	"github.com/sneller-oss/shufflemerge/internal/mergeconfig"
	"github.com/sneller-oss/shufflemerge/internal/mergelog"
	"github.com/sneller-oss/shufflemerge/internal/mergeproto"
	"github.com/sneller-oss/shufflemerge/internal/mergestate"
	"github.com/sneller-oss/shufflemerge/internal/partitionfile"
	"github.com/sneller-oss/shufflemerge/internal/pathresolver"
)

// Stats mirrors tenant/dcache.Stats: plain counters, no metrics
// exporter wiring (that's out of scope per spec.md §1).
type Stats struct {
	CacheHits   uint64
	CacheMisses uint64
	CacheBytes  uint64
}

func (s *Stats) hit()          { atomic.AddUint64(&s.CacheHits, 1) }
func (s *Stats) miss()         { atomic.AddUint64(&s.CacheMisses, 1) }
func (s *Stats) addBytes(n int) { atomic.AddUint64(&s.CacheBytes, uint64(n)) }

// Manager is the merge engine's public entry point.
type Manager struct {
	resolver *pathresolver.Resolver
	registry *appregistry.Registry
	state    *mergestate.Manager
	cleaner  *dircleaner.Cleaner
	index    *indexCache
	logger   *mergelog.Logger

	Stats Stats
}

// New wires a Manager from the resolved configuration.
func New(cfg mergeconfig.Config, logger *mergelog.Logger) *Manager {
	if logger == nil {
		logger = mergelog.New("mergemgr")
	}
	m := &Manager{
		resolver: pathresolver.New(int(cfg.SubDirsPerLocalDir)),
		logger:   logger,
		index:    newIndexCache(cfg.IndexCacheSize),
		cleaner:  dircleaner.New(logger),
	}
	m.state = mergestate.NewManager(cfg.MinChunkSize, uint32(cfg.IOExceptionsThreshold), logger)
	m.state.DeleteFiles = func(paths partitionfile.Paths) {
		bestEffortRemove(paths)
		m.index.invalidate(paths.Index)
	}
	m.registry = appregistry.New(
		func(appID string, attemptID int32) { m.state.CloseAttempt(appID, attemptID) },
		func(appID string, info appregistry.AppInfo) {
			for _, dir := range info.LocalDirs {
				m.cleaner.Submit(dir)
			}
		},
	)
	return m
}

// Close stops the background cleaner, waiting for queued deletes to
// finish.
func (m *Manager) Close() {
	m.cleaner.Close()
}

// RegisterExecutor implements spec.md §4.5's register_executor.
func (m *Manager) RegisterExecutor(appID string, info mergeproto.ExecutorShuffleInfo) error {
	return m.registry.RegisterExecutor(appID, info)
}

// ApplicationRemoved implements spec.md §4.5's application_removed.
func (m *Manager) ApplicationRemoved(appID string, cleanupLocalDirs bool) {
	m.registry.ApplicationRemoved(appID, cleanupLocalDirs)
}

// ReceiveBlockDataAsStream opens (or classifies away) a push,
// implementing spec.md §4.3's decision table ahead of the partition
// level. The correlation id attached to log lines here mirrors the
// teacher's per-query id (cmd/snellerd/handler_query.go), purely for
// observability — it is never part of any on-wire identifier.
func (m *Manager) ReceiveBlockDataAsStream(req mergeproto.PushBlockStream) (mergestate.Stream, error) {
	corrID := uuid.New().String()
	if err := m.registry.CheckAttempt(req.AppID, req.AttemptID); err != nil {
		if errors.Is(err, mergeproto.ErrTooOldAttempt) {
			// TOO_OLD_ATTEMPT_PUSH is one of the four non-fatal kinds
			// reported back to the pusher as a PushOutcome (spec.md
			// §7), not a propagated error.
			m.logger.Warnf("push[%s] too old attempt", corrID)
			return mergestate.NewRejectedStream(req.StreamID(), mergeproto.OutcomeTooOldAttempt), nil
		}
		m.logger.Warnf("push[%s] rejected: %v", corrID, err)
		return nil, err
	}
	info, ok := m.registry.Lookup(req.AppID)
	if !ok {
		return nil, mergeproto.ErrAppNotRegistered
	}
	dataPath, err := m.resolver.Resolve(info.LocalDirs, req.AppID, info.AttemptID, req.ShuffleID, req.MergeID, req.ReduceID, pathresolver.Data)
	if err != nil {
		return nil, err
	}
	indexPath, err := m.resolver.Resolve(info.LocalDirs, req.AppID, info.AttemptID, req.ShuffleID, req.MergeID, req.ReduceID, pathresolver.Index)
	if err != nil {
		return nil, err
	}
	metaPath, err := m.resolver.Resolve(info.LocalDirs, req.AppID, info.AttemptID, req.ShuffleID, req.MergeID, req.ReduceID, pathresolver.Meta)
	if err != nil {
		return nil, err
	}
	paths := partitionfile.Paths{Data: dataPath, Index: indexPath, Meta: metaPath}

	stream, err := m.state.OpenStream(req.AppID, req.AttemptID, req.ShuffleID, req.MergeID, req.MapIndex, req.ReduceID, req.StreamID(), paths)
	if err != nil {
		m.logger.Errorf("push[%s] open stream: %v", corrID, err)
		return nil, err
	}
	return stream, nil
}

// FinalizeShuffleMerge implements spec.md §4.3's finalize_shuffle_merge.
func (m *Manager) FinalizeShuffleMerge(req mergeproto.FinalizeShuffleMerge) (mergeproto.MergeStatuses, error) {
	corrID := uuid.New().String()
	if err := m.registry.CheckAttempt(req.AppID, req.AttemptID); err != nil {
		m.logger.Warnf("finalize[%s] rejected: %v", corrID, err)
		return mergeproto.MergeStatuses{}, err
	}
	statuses, err := m.state.Finalize(req.AppID, req.AttemptID, req.ShuffleID, req.MergeID)
	if err != nil {
		m.logger.Warnf("finalize[%s]: %v", corrID, err)
		return mergeproto.MergeStatuses{}, err
	}
	return statuses, nil
}

// BlockMeta is the response to GetMergedBlockMeta.
type BlockMeta struct {
	NumChunks int
	MetaPath  string
}

// GetMergedBlockMeta implements spec.md §4.6's get_merged_block_meta.
func (m *Manager) GetMergedBlockMeta(appID string, shuffleID, mergeID, reduceID int32) (BlockMeta, error) {
	info, ok := m.registry.Lookup(appID)
	if !ok {
		return BlockMeta{}, mergeproto.ErrAppNotRegistered
	}
	if err := m.checkActive(appID, info.AttemptID, shuffleID, mergeID); err != nil {
		return BlockMeta{}, err
	}
	indexPath, err := m.resolver.Resolve(info.LocalDirs, appID, info.AttemptID, shuffleID, mergeID, reduceID, pathresolver.Index)
	if err != nil {
		return BlockMeta{}, err
	}
	buf, err := m.readIndex(indexPath)
	if err != nil {
		return BlockMeta{}, err
	}
	metaPath, err := m.resolver.Resolve(info.LocalDirs, appID, info.AttemptID, shuffleID, mergeID, reduceID, pathresolver.Meta)
	if err != nil {
		return BlockMeta{}, err
	}
	if _, err := os.Stat(metaPath); err != nil {
		if os.IsNotExist(err) {
			return BlockMeta{}, mergeproto.ErrNotFound
		}
		return BlockMeta{}, err
	}
	return BlockMeta{NumChunks: partitionfile.NumChunks(len(buf)), MetaPath: metaPath}, nil
}

// BlockSegment identifies a byte range within a partition's merged
// data file.
type BlockSegment struct {
	DataPath string
	Offset   uint64
	Length   uint64
}

// GetMergedBlockData implements spec.md §4.6's get_merged_block_data.
func (m *Manager) GetMergedBlockData(appID string, shuffleID, mergeID, reduceID, chunkID int32) (BlockSegment, error) {
	info, ok := m.registry.Lookup(appID)
	if !ok {
		return BlockSegment{}, mergeproto.ErrAppNotRegistered
	}
	if err := m.checkActive(appID, info.AttemptID, shuffleID, mergeID); err != nil {
		return BlockSegment{}, err
	}
	indexPath, err := m.resolver.Resolve(info.LocalDirs, appID, info.AttemptID, shuffleID, mergeID, reduceID, pathresolver.Index)
	if err != nil {
		return BlockSegment{}, err
	}
	buf, err := m.readIndex(indexPath)
	if err != nil {
		return BlockSegment{}, err
	}
	if n := partitionfile.NumChunks(len(buf)); int(chunkID) >= n {
		return BlockSegment{}, mergeproto.ErrNotFound
	}
	dataPath, err := m.resolver.Resolve(info.LocalDirs, appID, info.AttemptID, shuffleID, mergeID, reduceID, pathresolver.Data)
	if err != nil {
		return BlockSegment{}, err
	}
	start := partitionfile.IndexOffset(buf, int(chunkID))
	end := partitionfile.IndexOffset(buf, int(chunkID)+1)
	return BlockSegment{DataPath: dataPath, Offset: start, Length: end - start}, nil
}

// checkActive rejects a read bearing a mergeId older than the active
// one for this shuffle (spec.md §4.6's StaleBlockFetch). attemptID is
// the app's current attempt: read requests do not carry their own
// attemptId, only the app's.
func (m *Manager) checkActive(appID string, attemptID, shuffleID, mergeID int32) error {
	active, ok := m.state.ActiveMergeID(appID, attemptID, shuffleID)
	if ok && mergeID < active {
		return mergeproto.ErrStaleBlockFetch
	}
	return nil
}

func (m *Manager) readIndex(path string) ([]byte, error) {
	if buf, ok := m.index.get(path); ok {
		m.Stats.hit()
		return buf, nil
	}
	m.Stats.miss()
	buf, err := partitionfile.ReadIndex(path)
	if err != nil {
		return nil, err
	}
	m.index.put(path, buf)
	m.Stats.addBytes(len(buf))
	return buf, nil
}

// bestEffortRemove deletes a retired partition's three files,
// ignoring file-existence errors per spec.md §4.3 ("best effort;
// file-existence errors ignored").
func bestEffortRemove(paths partitionfile.Paths) {
	os.Remove(paths.Data)
	os.Remove(paths.Index)
	os.Remove(paths.Meta)
}
