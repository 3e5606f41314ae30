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

package mergeproto

import "errors"

// Fatal and resource errors from spec.md §7. These are genuine
// Go errors (unlike PushOutcome) because they terminate the
// request with no further protocol-level recovery available to
// the caller other than retrying a fresh request.
var (
	// ErrPartitionAborted is returned once a partition's
	// io-exception count has reached the configured threshold.
	// It is fatal for the push that observes it; the partition
	// stays aborted until finalize.
	ErrPartitionAborted = errors.New("mergeproto: partition aborted: IOExceptions exceeded the threshold")
	// ErrInvalidMergeMeta is returned by RegisterExecutor when
	// shuffle_manager_meta lacks the "shuffleManager:" prefix, is not
	// valid JSON, has an unparsable attemptId, or is missing the
	// required mergeDir key.
	ErrInvalidMergeMeta = errors.New("mergeproto: invalid merge meta")
	// ErrAppNotRegistered is returned by any path-resolving
	// operation for an unknown appId.
	ErrAppNotRegistered = errors.New("mergeproto: application not registered")
	// ErrTooOldAttempt is returned by finalizes (and by the
	// registry's attempt check) bearing an attemptId older than the
	// active one for the app. On the push path it is reported as
	// OutcomeTooOldAttempt instead.
	ErrTooOldAttempt = errors.New("mergeproto: too old attempt")
	// ErrStaleMergeFinalize is returned by finalize when mergeId
	// is older than the active merge id for the shuffle.
	ErrStaleMergeFinalize = errors.New("mergeproto: stale merge finalize")
	// ErrStaleBlockFetch is returned by read APIs when mergeId is
	// lower than the active merge id for the shuffle.
	ErrStaleBlockFetch = errors.New("mergeproto: stale block fetch")
	// ErrNotFound is returned by read APIs when the requested
	// index/meta files do not exist.
	ErrNotFound = errors.New("mergeproto: not found")
	// ErrClosedChannel is returned to a stream whose file handles
	// were closed out from under it by an attempt supersession.
	ErrClosedChannel = errors.New("mergeproto: closed channel")
)
