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

// Package mergeproto defines the control-message and stream-callback
// shapes that the merge engine consumes from (and returns to) the RPC
// transport described in spec.md §6. The transport itself is out of
// scope; this package only fixes the field layout and the wire-stable
// integer codes so that a real transport implementation has something
// concrete to frame.
package mergeproto

import "fmt"

// PushBlockStream is the control message that opens a push of
// block bytes for one (shuffleId, mapIndex, reduceId).
type PushBlockStream struct {
	AppID     string
	AttemptID int32
	ShuffleID int32
	MergeID   int32
	MapIndex  int32
	ReduceID  int32
	Index     int32
}

// StreamID returns the stable id for this push, in the format
// documented in spec.md §6: shufflePush_{shuffleId}_{mapIndex}_{reduceId}.
func (p PushBlockStream) StreamID() string {
	return fmt.Sprintf("shufflePush_%d_%d_%d", p.ShuffleID, p.MapIndex, p.ReduceID)
}

// FinalizeShuffleMerge is the control message that closes a shuffle
// merge for writes and makes it visible to readers.
type FinalizeShuffleMerge struct {
	AppID     string
	AttemptID int32
	ShuffleID int32
	MergeID   int32
}

// MergeStatuses is the response to a successful FinalizeShuffleMerge.
// Only partitions with a non-zero size are reported (spec.md §4.3).
type MergeStatuses struct {
	ShuffleID int32
	Bitmaps   []Bitmap
	ReduceIDs []int32
	Sizes     []uint64
}

// Bitmap is the wire shape of a serialized chunk/map bitmap. The
// concrete encoding is produced by internal/bitmapset; this package
// only knows it as an opaque byte string, matching how the transport
// would frame it.
type Bitmap []byte

// ExecutorShuffleInfo is the control message sent by register_executor.
// ShuffleManagerMeta is the key-prefixed JSON blob described in
// spec.md §6: `shuffleManager:{"mergeDir": "...", "attemptId": "..."}`.
type ExecutorShuffleInfo struct {
	LocalDirs          []string
	SubDirsPerLocalDir int32
	ShuffleManagerMeta string
}

// Non-fatal push outcomes, wire-stable per spec.md §6. These
// integer assignments must not be renumbered: existing clients
// interpret them directly off the wire.
const (
	CodeTooLateBlockPush     int32 = 1
	CodeStaleBlockPush       int32 = 2
	CodeBlockAppendCollision int32 = 3
	CodeTooOldAttemptPush    int32 = 4
)

// BlockPushReturnCode is the wire response for a non-fatal push
// failure (spec.md §6, §7).
type BlockPushReturnCode struct {
	ReturnCode     int32
	FailureBlockID string
}
