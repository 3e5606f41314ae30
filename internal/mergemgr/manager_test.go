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

package mergemgr

import (
	"testing"

	"github.com/sneller-oss/shufflemerge/internal/mergeconfig"
	"github.com/sneller-oss/shufflemerge/internal/mergelog"
	"github.com/sneller-oss/shufflemerge/internal/mergeproto"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := mergeconfig.Default()
	cfg.MinChunkSize = 1 << 20
	m := New(cfg, mergelog.New("test"))
	t.Cleanup(m.Close)
	return m
}

func registerApp(t *testing.T, m *Manager, appID string) {
	t.Helper()
	dirs := []string{t.TempDir(), t.TempDir()}
	err := m.RegisterExecutor(appID, mergeproto.ExecutorShuffleInfo{
		LocalDirs:          dirs,
		SubDirsPerLocalDir: 4,
		ShuffleManagerMeta: `shuffleManager:{"mergeDir": "blockmgr"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEndToEndPushAndFinalize(t *testing.T) {
	m := newTestManager(t)
	registerApp(t, m, "app0")

	stream, err := m.ReceiveBlockDataAsStream(mergeproto.PushBlockStream{
		AppID: "app0", ShuffleID: 1, MergeID: 0, MapIndex: 0, ReduceID: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.OnData([]byte("merged-bytes")); err != nil {
		t.Fatal(err)
	}
	outcome, err := stream.OnComplete()
	if err != nil {
		t.Fatal(err)
	}
	if outcome != mergeproto.OutcomeOK {
		t.Fatalf("outcome = %v, want OK", outcome)
	}

	statuses, err := m.FinalizeShuffleMerge(mergeproto.FinalizeShuffleMerge{AppID: "app0", ShuffleID: 1, MergeID: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses.ReduceIDs) != 1 || statuses.ReduceIDs[0] != 2 {
		t.Fatalf("reduceIDs = %v, want [2]", statuses.ReduceIDs)
	}
	if statuses.Sizes[0] != uint64(len("merged-bytes")) {
		t.Fatalf("size = %d, want %d", statuses.Sizes[0], len("merged-bytes"))
	}

	meta, err := m.GetMergedBlockMeta("app0", 1, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if meta.NumChunks != 1 {
		t.Fatalf("NumChunks = %d, want 1", meta.NumChunks)
	}

	segment, err := m.GetMergedBlockData("app0", 1, 0, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if segment.Offset != 0 || segment.Length != uint64(len("merged-bytes")) {
		t.Fatalf("segment = %+v", segment)
	}
}

func TestFinalizeTooOldAttemptFails(t *testing.T) {
	m := newTestManager(t)
	dirs := []string{t.TempDir()}
	m.RegisterExecutor("app0", mergeproto.ExecutorShuffleInfo{
		LocalDirs:          dirs,
		SubDirsPerLocalDir: 4,
		ShuffleManagerMeta: `shuffleManager:{"mergeDir": "d", "attemptId": "3"}`,
	})

	_, err := m.FinalizeShuffleMerge(mergeproto.FinalizeShuffleMerge{AppID: "app0", AttemptID: 1, ShuffleID: 1, MergeID: 0})
	if err != mergeproto.ErrTooOldAttempt {
		t.Fatalf("err = %v, want ErrTooOldAttempt", err)
	}
}

func TestGetMergedBlockMetaStaleMergeID(t *testing.T) {
	m := newTestManager(t)
	registerApp(t, m, "app0")

	stream, err := m.ReceiveBlockDataAsStream(mergeproto.PushBlockStream{AppID: "app0", ShuffleID: 1, MergeID: 5, MapIndex: 0, ReduceID: 0})
	if err != nil {
		t.Fatal(err)
	}
	stream.OnData([]byte("x"))
	stream.OnComplete()

	_, err = m.GetMergedBlockMeta("app0", 1, 2, 0)
	if err != mergeproto.ErrStaleBlockFetch {
		t.Fatalf("err = %v, want ErrStaleBlockFetch", err)
	}
}

func TestReceiveBlockDataTooOldAttemptIsPushOutcomeNotError(t *testing.T) {
	m := newTestManager(t)
	dirs := []string{t.TempDir()}
	m.RegisterExecutor("app0", mergeproto.ExecutorShuffleInfo{
		LocalDirs:          dirs,
		SubDirsPerLocalDir: 4,
		ShuffleManagerMeta: `shuffleManager:{"mergeDir": "d", "attemptId": "3"}`,
	})

	stream, err := m.ReceiveBlockDataAsStream(mergeproto.PushBlockStream{
		AppID: "app0", AttemptID: 1, ShuffleID: 1, MergeID: 0, MapIndex: 0, ReduceID: 0,
	})
	if err != nil {
		t.Fatalf("err = %v, want nil (too-old-attempt is a PushOutcome)", err)
	}
	outcome, err := stream.OnComplete()
	if err != nil {
		t.Fatal(err)
	}
	if outcome != mergeproto.OutcomeTooOldAttempt {
		t.Fatalf("outcome = %v, want TooOldAttempt", outcome)
	}
}

func TestApplicationRemovedUnregistersApp(t *testing.T) {
	m := newTestManager(t)
	registerApp(t, m, "app0")
	m.ApplicationRemoved("app0", true)

	_, err := m.ReceiveBlockDataAsStream(mergeproto.PushBlockStream{AppID: "app0", ShuffleID: 1, MergeID: 0, MapIndex: 0, ReduceID: 0})
	if err != mergeproto.ErrAppNotRegistered {
		t.Fatalf("err = %v, want ErrAppNotRegistered after removal", err)
	}
}
