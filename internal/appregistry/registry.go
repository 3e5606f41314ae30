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

// Package appregistry implements spec.md §4.5: per-application active
// local directories, attempt id tracking and supersession, and the
// parsing of register_executor's shuffle_manager_meta blob. It is
// deliberately thin — it knows nothing about shuffles or partitions;
// superseding an attempt or removing an app just fires a callback so
// mergestate.Manager and dircleaner can react.
package appregistry

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/sneller-oss/shufflemerge/internal/mergeproto"
)

// metaPrefix is the key under which register_executor's opaque blob
// is namespaced, per spec.md §6's wire format.
const metaPrefix = "shuffleManager:"

// AppInfo is the AppPathsInfo of spec.md §3: the paths an app's
// partitions resolve under, immutable once set for a given attempt.
type AppInfo struct {
	LocalDirs          []string
	SubDirsPerLocalDir int32
	AttemptID          int32
}

// Registry tracks AppInfo per appId.
type Registry struct {
	mu   sync.Mutex
	apps map[string]*AppInfo

	// onAttemptSuperseded is called (outside the registry's own
	// lock) whenever a strictly higher attemptId is observed for an
	// app already known to the registry, and when ApplicationRemoved
	// removes an app, so callers can close that attempt's open
	// partition file handles.
	onAttemptSuperseded func(appID string, oldAttemptID int32)

	// onAppRemoved is called with the app's info when
	// ApplicationRemoved is invoked with cleanupLocalDirs set, so
	// callers can queue its local dirs for background recursive
	// deletion.
	onAppRemoved func(appID string, info AppInfo)
}

// New returns a ready-to-use Registry. Either callback may be nil.
func New(onAttemptSuperseded func(appID string, oldAttemptID int32), onAppRemoved func(appID string, info AppInfo)) *Registry {
	return &Registry{
		apps:                make(map[string]*AppInfo),
		onAttemptSuperseded: onAttemptSuperseded,
		onAppRemoved:        onAppRemoved,
	}
}

type shuffleManagerMeta struct {
	// MergeDir is required and validated (spec.md §4.5: "Fails with
	// InvalidMergeMeta if mergeDir is missing"), but its value is not
	// otherwise used: the on-disk layout's directory name is the fixed
	// "merge_manager[_<attemptId>]" of spec.md §6, not a caller-chosen
	// path. Its presence is what register_executor validates.
	MergeDir  string `json:"mergeDir"`
	AttemptID string `json:"attemptId"`
}

// RegisterExecutor implements spec.md §4.5's register_executor.
func (r *Registry) RegisterExecutor(appID string, info mergeproto.ExecutorShuffleInfo) error {
	meta, err := parseShuffleManagerMeta(info.ShuffleManagerMeta)
	if err != nil {
		return err
	}

	attemptID := int32(0)
	if meta.AttemptID != "" {
		n, err := strconv.ParseInt(meta.AttemptID, 10, 32)
		if err != nil {
			return mergeproto.ErrInvalidMergeMeta
		}
		attemptID = int32(n)
	}

	r.mu.Lock()
	existing, ok := r.apps[appID]
	if !ok {
		r.apps[appID] = &AppInfo{
			LocalDirs:          info.LocalDirs,
			SubDirsPerLocalDir: info.SubDirsPerLocalDir,
			AttemptID:          attemptID,
		}
		r.mu.Unlock()
		return nil
	}
	if attemptID <= existing.AttemptID {
		// first writer wins within an attempt; an older or equal
		// attemptId never mutates the stored paths.
		r.mu.Unlock()
		return nil
	}
	oldAttemptID := existing.AttemptID
	existing.LocalDirs = info.LocalDirs
	existing.SubDirsPerLocalDir = info.SubDirsPerLocalDir
	existing.AttemptID = attemptID
	r.mu.Unlock()

	if r.onAttemptSuperseded != nil {
		r.onAttemptSuperseded(appID, oldAttemptID)
	}
	return nil
}

func parseShuffleManagerMeta(blob string) (shuffleManagerMeta, error) {
	payload, ok := strings.CutPrefix(blob, metaPrefix)
	if !ok {
		return shuffleManagerMeta{}, mergeproto.ErrInvalidMergeMeta
	}
	var meta shuffleManagerMeta
	if err := json.Unmarshal([]byte(payload), &meta); err != nil {
		return shuffleManagerMeta{}, mergeproto.ErrInvalidMergeMeta
	}
	if meta.MergeDir == "" {
		return shuffleManagerMeta{}, mergeproto.ErrInvalidMergeMeta
	}
	return meta, nil
}

// Lookup returns the registered AppInfo for appID, or false if the
// app has never registered an executor.
func (r *Registry) Lookup(appID string) (AppInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.apps[appID]
	if !ok {
		return AppInfo{}, false
	}
	return *info, true
}

// CheckAttempt reports mergeproto.ErrTooOldAttempt if attemptID is
// older than the app's currently active attempt, per invariant P7.
func (r *Registry) CheckAttempt(appID string, attemptID int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.apps[appID]
	if !ok {
		return mergeproto.ErrAppNotRegistered
	}
	if attemptID < info.AttemptID {
		return mergeproto.ErrTooOldAttempt
	}
	return nil
}

// ApplicationRemoved implements spec.md §4.5's application_removed.
func (r *Registry) ApplicationRemoved(appID string, cleanupLocalDirs bool) {
	r.mu.Lock()
	info, ok := r.apps[appID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.apps, appID)
	r.mu.Unlock()

	if r.onAttemptSuperseded != nil {
		r.onAttemptSuperseded(appID, info.AttemptID)
	}
	if cleanupLocalDirs && r.onAppRemoved != nil {
		r.onAppRemoved(appID, *info)
	}
}
