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

// PushOutcome is a tagged result returned alongside a push
// completion. Per design note §9, non-fatal protocol outcomes
// (late/stale/collision/too-old) are never propagated as Go
// errors; they are values of this type so callers can switch
// on them directly instead of doing errors.Is chains.
type PushOutcome int

const (
	// OutcomeOK means the block was merged successfully (or
	// was a harmless duplicate of an already-merged block).
	OutcomeOK PushOutcome = iota
	// OutcomeTooLate means the shuffle merge was already finalized
	// before this push could be merged.
	OutcomeTooLate
	// OutcomeStale means the stream's mergeId is lower than the
	// active mergeId for this shuffle.
	OutcomeStale
	// OutcomeCollision means a deferred-only stream completed
	// without ever becoming the active writer.
	OutcomeCollision
	// OutcomeTooOldAttempt means the stream's attemptId is lower
	// than the currently active attempt for the app.
	OutcomeTooOldAttempt
)

// String implements fmt.Stringer.
func (o PushOutcome) String() string {
	switch o {
	case OutcomeOK:
		return "OK"
	case OutcomeTooLate:
		return "TOO_LATE_BLOCK_PUSH"
	case OutcomeStale:
		return "STALE_BLOCK_PUSH"
	case OutcomeCollision:
		return "BLOCK_APPEND_COLLISION_DETECTED"
	case OutcomeTooOldAttempt:
		return "TOO_OLD_ATTEMPT_PUSH"
	default:
		return "UNKNOWN"
	}
}

// ReturnCode converts a non-OK outcome into the wire-stable
// BlockPushReturnCode integer from spec.md §6. It panics if
// called on OutcomeOK, since success never produces a return
// code on the wire.
func (o PushOutcome) ReturnCode() int32 {
	switch o {
	case OutcomeTooLate:
		return CodeTooLateBlockPush
	case OutcomeStale:
		return CodeStaleBlockPush
	case OutcomeCollision:
		return CodeBlockAppendCollision
	case OutcomeTooOldAttempt:
		return CodeTooOldAttemptPush
	default:
		panic("mergeproto: ReturnCode called on OutcomeOK")
	}
}
