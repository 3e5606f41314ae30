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

// Package partitionfile implements the triple of append-only files
// backing one merge partition (spec.md §4.2): a .data file of opaque
// block bytes, an .index file of big-endian u64 chunk offsets, and a
// .meta file of concatenated per-chunk bitmaps.
//
// Unlike a plain os.O_APPEND file, every write here goes through
// WriteAt against an internally tracked offset. This is what lets
// WriteDataAt overwrite the stale tail left by a failed in-flight
// write (spec.md §4.2's recovery path) — os.O_APPEND files refuse
// WriteAt outright, so the offsets have to be owned by this type
// instead of the kernel.
package partitionfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sneller-oss/shufflemerge/internal/mergeproto"
)

// Paths names the three files backing one partition.
type Paths struct {
	Data, Index, Meta string
}

// Set is the open triple of files for one partition plus the small
// in-memory state it needs: the data write position, the index and
// meta file sizes, and the I/O-exception counter. The last-chunk
// offset is not kept here; mergestate.Partition tracks it.
type Set struct {
	data, index, meta *os.File

	dataPos  int64 // next write offset into the data file
	indexPos int64 // current size of the index file
	metaPos  int64 // current size of the meta file

	ioExceptions uint32
	threshold    uint32
	aborted      bool
}

// Open creates (or truncates) the three files named by p, creating
// parent directories as needed, and writes the leading index entry
// of 0 required by spec.md §4.2 ("writes a single leading index
// entry of 0").
func Open(p Paths, threshold uint32) (*Set, error) {
	data, err := create(p.Data)
	if err != nil {
		return nil, fmt.Errorf("partitionfile: opening data file: %w", err)
	}
	index, err := create(p.Index)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("partitionfile: opening index file: %w", err)
	}
	meta, err := create(p.Meta)
	if err != nil {
		data.Close()
		index.Close()
		return nil, fmt.Errorf("partitionfile: opening meta file: %w", err)
	}
	s := &Set{data: data, index: index, meta: meta, threshold: threshold}
	var zero [8]byte
	if _, err := index.WriteAt(zero[:], 0); err != nil {
		s.CloseAll()
		return nil, fmt.Errorf("partitionfile: writing leading index entry: %w", err)
	}
	s.indexPos = 8
	return s, nil
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
}

// noteErr records an I/O failure, bumping the exception counter
// and latching the partition into the aborted state once the
// threshold is reached (spec.md §4.2, §7, invariant/property P9).
// It always returns err unchanged so callers can still observe the
// failure that tipped the partition over the threshold.
func (s *Set) noteErr(err error) error {
	if err == nil {
		return nil
	}
	s.ioExceptions++
	if s.ioExceptions >= s.threshold {
		s.aborted = true
	}
	return err
}

// checkAborted returns mergeproto.ErrPartitionAborted if the
// partition was already aborted by a prior call, short-circuiting
// before any further I/O is attempted.
func (s *Set) checkAborted() error {
	if s.aborted {
		return mergeproto.ErrPartitionAborted
	}
	return nil
}

// Aborted reports whether the I/O-exception threshold has been
// reached for this partition.
func (s *Set) Aborted() bool { return s.aborted }

// IOExceptions returns the current I/O-exception count.
func (s *Set) IOExceptions() uint32 { return s.ioExceptions }

// Position returns the next write offset into the data file.
func (s *Set) Position() int64 { return s.dataPos }

// WriteData appends buf to the data file at the current write
// position and advances it by the number of bytes written. A short
// write (n < len(buf)) always comes with a non-nil error, since
// os.File.WriteAt reports one whenever it writes fewer bytes than
// asked.
func (s *Set) WriteData(buf []byte) (int, error) {
	if err := s.checkAborted(); err != nil {
		return 0, err
	}
	n, err := s.data.WriteAt(buf, s.dataPos)
	s.dataPos += int64(n)
	if err != nil {
		return n, s.noteErr(err)
	}
	return n, nil
}

// WriteDataAt writes buf at an explicit absolute offset, used to
// recover from an earlier mid-block failure so the next successful
// write overwrites the corrupt tail (spec.md §4.2, §4.4). The
// internal write cursor is repositioned to the end of this write so
// subsequent WriteData calls continue from there.
func (s *Set) WriteDataAt(buf []byte, absolutePos int64) (int, error) {
	if err := s.checkAborted(); err != nil {
		return 0, err
	}
	n, err := s.data.WriteAt(buf, absolutePos)
	s.dataPos = absolutePos + int64(n)
	if err != nil {
		return n, s.noteErr(err)
	}
	return n, nil
}

// TruncateData truncates the data file to newLen, discarding any
// partial tail left by a failure or still-in-flight stream
// (invariant I3). It also rewinds the write cursor to newLen.
func (s *Set) TruncateData(newLen int64) error {
	if err := s.checkAborted(); err != nil {
		return err
	}
	if err := s.data.Truncate(newLen); err != nil {
		return s.noteErr(fmt.Errorf("truncating data file: %w", err))
	}
	s.dataPos = newLen
	return nil
}

// UpdateChunkInfo commits a chunk boundary: it writes the
// map-presence bitmap for the current chunk to the meta file, then
// appends chunkOffset to the index file. This is two-phase per
// spec.md §4.2: meta is written first; on an index-write failure,
// the meta write is rolled back (truncated) so the two files stay
// in lockstep (invariant I5); on a meta-write failure, nothing is
// appended to either file.
func (s *Set) UpdateChunkInfo(chunkOffset uint64, bitmap []byte) error {
	if err := s.checkAborted(); err != nil {
		return err
	}
	prevMetaPos := s.metaPos
	n, err := s.meta.WriteAt(bitmap, s.metaPos)
	if err != nil {
		return s.noteErr(fmt.Errorf("writing meta bitmap: %w", err))
	}
	if n != len(bitmap) {
		return s.noteErr(fmt.Errorf("short meta write: wrote %d of %d bytes", n, len(bitmap)))
	}
	s.metaPos += int64(n)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], chunkOffset)
	if _, err := s.index.WriteAt(buf[:], s.indexPos); err != nil {
		// roll back the meta write so the two files stay aligned;
		// best effort regardless of whether the truncate succeeds
		s.meta.Truncate(prevMetaPos)
		s.metaPos = prevMetaPos
		return s.noteErr(fmt.Errorf("writing index entry: %w", err))
	}
	s.indexPos += 8
	return nil
}

// CloseAll closes all three file handles, returning the first
// error encountered (if any) after attempting to close every file.
func (s *Set) CloseAll() error {
	var first error
	if s.data != nil {
		if err := s.data.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.meta != nil {
		if err := s.meta.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReadIndex reads the full contents of an index file at path,
// validating that its size is a multiple of 8 bytes and at least 8
// (spec.md §4.6).
func ReadIndex(path string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mergeproto.ErrNotFound
		}
		return nil, fmt.Errorf("partitionfile: reading index: %w", err)
	}
	if len(buf) < 8 || len(buf)%8 != 0 {
		return nil, fmt.Errorf("partitionfile: malformed index file %s: size %d", path, len(buf))
	}
	return buf, nil
}

// IndexOffset decodes the i'th big-endian u64 offset from a raw
// index file buffer read by ReadIndex.
func IndexOffset(buf []byte, i int) uint64 {
	return binary.BigEndian.Uint64(buf[i*8 : i*8+8])
}

// NumChunks returns the number of committed chunks encoded by an
// index file buffer of the given length (spec.md §4.6:
// num_chunks = index_size/8 - 1).
func NumChunks(indexSize int) int {
	return indexSize/8 - 1
}
