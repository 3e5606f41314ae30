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

package main

import (
	"github.com/sneller-oss/shufflemerge/internal/mergemgr"
	"github.com/sneller-oss/shufflemerge/internal/mergeproto"
)

// loopbackHarness stands in for the real RPC transport (out of scope
// per spec.md §1): it calls straight into mergemgr.Manager in the
// same process, just enough surface for this package's own
// integration test to drive a push end to end without a network.
type loopbackHarness struct {
	mgr *mergemgr.Manager
}

func newLoopbackHarness(mgr *mergemgr.Manager) *loopbackHarness {
	return &loopbackHarness{mgr: mgr}
}

func (h *loopbackHarness) start() {}

func (h *loopbackHarness) stop() {}

// PushBlock drives one complete push of buf through the façade,
// equivalent to what a real transport would do across
// receive_block_data_as_stream/on_data/on_complete.
func (h *loopbackHarness) PushBlock(req mergeproto.PushBlockStream, buf []byte) (mergeproto.PushOutcome, error) {
	stream, err := h.mgr.ReceiveBlockDataAsStream(req)
	if err != nil {
		return 0, err
	}
	if err := stream.OnData(buf); err != nil {
		stream.OnFailure(err)
		return 0, err
	}
	return stream.OnComplete()
}
