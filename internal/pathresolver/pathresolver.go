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

// Package pathresolver maps (appId, shuffleId, mergeId, reduceId) to
// the absolute paths of a partition's three on-disk files, per
// spec.md §4.1. The resolver is pure: it performs no I/O itself.
package pathresolver

import (
	"fmt"
	"path/filepath"

	"github.com/dchest/siphash"

	"github.com/sneller-oss/shufflemerge/internal/mergeproto"
)

// hash keys; fixed so that the fanout decision is stable across
// process restarts for the same filename, the same way a
// content-addressed cache key must be stable across runs.
const (
	hashKey0 = 0x73686666_6c656d67 // "shfflemg" folded to 64 bits
	hashKey1 = 0x6d65726765656e67 // "mergeeng" folded to 64 bits
)

// Kind identifies which of the three per-partition files is wanted.
type Kind string

const (
	Data  Kind = "data"
	Index Kind = "index"
	Meta  Kind = "meta"
)

// Resolver resolves filenames against a set of registered local
// directories per app. It holds no mutable state of its own; the
// app registry (internal/appregistry) owns the appId -> dirs mapping
// and the caller (internal/mergemgr) passes the dirs in on every
// call, mirroring spec.md §4.1's description
// of the resolver as pure.
type Resolver struct {
	// SubDirsPerLocalDir is the fanout width: the second path
	// level under each local dir, computed as hash % this value.
	SubDirsPerLocalDir int
}

// New returns a Resolver with the given fanout width.
func New(subDirsPerLocalDir int) *Resolver {
	return &Resolver{SubDirsPerLocalDir: subDirsPerLocalDir}
}

// Filename returns the bare filename (no directory) for the given
// partition file, in the format documented in spec.md §4.1:
// mergedShuffle_{appId}_{shuffleId}_{mergeId}_{reduceId}.{data|index|meta}
func Filename(appID string, shuffleID, mergeID, reduceID int32, kind Kind) string {
	return fmt.Sprintf("mergedShuffle_%s_%d_%d_%d.%s", appID, shuffleID, mergeID, reduceID, kind)
}

// Resolve returns the absolute path for the given partition file
// under one of localDirs, chosen by a stable hash of the filename,
// fanned out across SubDirsPerLocalDir sub-directories. attemptID
// names the merge_manager directory per spec.md §6
// ("merge_manager[_<attemptId>]"): attempt 0 uses the bare directory
// name, any other attempt gets its own "_<attemptId>" subtree so a
// superseded attempt's lingering files (not deleted on supersession,
// only closed) can never be served by a read naming the new attempt.
//
// Fails with mergeproto.ErrAppNotRegistered if localDirs is empty,
// matching spec.md §4.1 ("Fails with AppNotRegistered if the app is
// unknown" — the caller is expected to pass an empty slice for an
// unknown app).
func (r *Resolver) Resolve(localDirs []string, appID string, attemptID, shuffleID, mergeID, reduceID int32, kind Kind) (string, error) {
	if len(localDirs) == 0 {
		return "", mergeproto.ErrAppNotRegistered
	}
	name := Filename(appID, shuffleID, mergeID, reduceID, kind)
	dirIdx := r.hashDir(name, len(localDirs))
	sub := r.hashSubDir(name)
	base := localDirs[dirIdx]
	mergeDirName := "merge_manager"
	if attemptID != 0 {
		mergeDirName += fmt.Sprintf("_%d", attemptID)
	}
	return filepath.Join(base, mergeDirName, fmt.Sprintf("%02d", sub), name), nil
}

func (r *Resolver) hashDir(name string, n int) int {
	h := siphash.Hash(hashKey0, hashKey1, []byte(name))
	return int(h % uint64(n))
}

func (r *Resolver) hashSubDir(name string) int {
	n := r.SubDirsPerLocalDir
	if n <= 0 {
		n = 1
	}
	h := siphash.Hash(hashKey1, hashKey0, []byte(name))
	return int(h % uint64(n))
}
