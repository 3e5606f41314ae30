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

// Package bitmapset implements the map_tracker / chunk_tracker sets
// of spec.md §3 on top of RoaringBitmap, and the .meta file codec
// (a concatenation of n serialized bitmaps, one per committed chunk,
// per spec.md §6).
package bitmapset

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// Set is a set of non-negative map indices. The zero value is an
// empty, ready-to-use set.
type Set struct {
	bm roaring.Bitmap
}

// Add inserts mapIndex into the set. mapIndex must be >= 0
// (invariant I2 of spec.md §3).
func (s *Set) Add(mapIndex int32) {
	if mapIndex < 0 {
		panic("bitmapset: negative map index")
	}
	s.bm.Add(uint32(mapIndex))
}

// Contains reports whether mapIndex is in the set.
func (s *Set) Contains(mapIndex int32) bool {
	if mapIndex < 0 {
		return false
	}
	return s.bm.Contains(uint32(mapIndex))
}

// Clear empties the set in place, so that its underlying
// storage can be reused for the next chunk (chunk_tracker is
// reset after each chunk boundary per spec.md §3).
func (s *Set) Clear() {
	s.bm.Clear()
}

// Len returns the number of map indices in the set.
func (s *Set) Len() int {
	return int(s.bm.GetCardinality())
}

// Clone returns an independent copy of s.
func (s *Set) Clone() Set {
	var out Set
	out.bm = *s.bm.Clone()
	return out
}

// ContainsAll reports whether the receiver is a superset of other,
// used to check invariant I2 (map_tracker ⊇ chunk_tracker) and
// property P3 (union of chunk bitmaps == map_tracker).
func (s *Set) ContainsAll(other Set) bool {
	return s.bm.AndCardinality(&other.bm) == other.bm.GetCardinality()
}

// Union adds every element of other into s.
func (s *Set) Union(other Set) {
	s.bm.Or(&other.bm)
}

// MarshalBinary serializes the set using RoaringBitmap's standard
// compressed format, suitable for appending directly to a .meta
// file (spec.md §6).
func (s *Set) MarshalBinary() ([]byte, error) {
	return s.bm.ToBytes()
}

// UnmarshalBinary decodes a RoaringBitmap-serialized set produced
// by MarshalBinary.
func (s *Set) UnmarshalBinary(buf []byte) error {
	s.bm.Clear()
	return s.bm.UnmarshalBinary(buf)
}

// ToArray returns the sorted slice of map indices in the set.
func (s *Set) ToArray() []int32 {
	u32 := s.bm.ToArray()
	out := make([]int32, len(u32))
	for i, v := range u32 {
		out[i] = int32(v)
	}
	return out
}

// DecodeMeta splits the concatenation of n serialized bitmaps
// produced by successive MarshalBinary calls back into n
// individual Sets, matching the .meta file layout of spec.md §6.
// RoaringBitmap's on-disk format is self-delimiting (it begins
// with its own encoded length), so DecodeMeta walks the buffer
// by repeatedly asking each bitmap how many bytes it consumed.
func DecodeMeta(buf []byte, n int) ([]Set, error) {
	out := make([]Set, n)
	for i := 0; i < n; i++ {
		var bm roaring.Bitmap
		consumed, err := bm.FromBuffer(buf)
		if err != nil {
			return nil, fmt.Errorf("bitmapset: decoding chunk %d: %w", i, err)
		}
		out[i] = Set{bm: *bm.Clone()}
		if int64(len(buf)) < consumed {
			return nil, fmt.Errorf("bitmapset: chunk %d: truncated meta file", i)
		}
		buf = buf[consumed:]
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("bitmapset: %d trailing bytes after %d chunks", len(buf), n)
	}
	return out, nil
}
