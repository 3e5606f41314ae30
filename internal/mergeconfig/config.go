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

// Package mergeconfig loads the small set of tunables that
// control the merge engine, as named in spec.md §6.
package mergeconfig

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

const (
	// DefaultMinChunkSize is the default chunk-cut threshold
	// in bytes (2 MiB, per spec.md §6).
	DefaultMinChunkSize = 2 << 20
	// DefaultIndexCacheSize bounds the weight (sum of index
	// file sizes) held by the reader-side LRU.
	DefaultIndexCacheSize = 16 << 20
	// DefaultIOExceptionsThreshold is the per-partition I/O
	// failure budget before the partition is aborted.
	DefaultIOExceptionsThreshold = 4
)

// Config is the top-level merge-server configuration,
// decoded from a YAML file the way db/sync.go and
// cmd/sdb/main.go decode their configuration.
type Config struct {
	// MinChunkSize is min_chunk_size_in_merged_shuffle_file.
	MinChunkSize int64 `json:"minChunkSizeInMergedShuffleFile"`
	// IndexCacheSize is merged_index_cache_size.
	IndexCacheSize int64 `json:"mergedIndexCacheSize"`
	// IOExceptionsThreshold is io_exceptions_threshold.
	IOExceptionsThreshold int `json:"ioExceptionsThreshold"`
	// SubDirsPerLocalDir is the fanout width used by the
	// path resolver (spec.md §4.1's "two-level fanout").
	SubDirsPerLocalDir int `json:"subDirsPerLocalDir"`
}

// Default returns a Config populated with the defaults
// named in spec.md §6.
func Default() Config {
	return Config{
		MinChunkSize:          DefaultMinChunkSize,
		IndexCacheSize:        DefaultIndexCacheSize,
		IOExceptionsThreshold: DefaultIOExceptionsThreshold,
		SubDirsPerLocalDir:    64,
	}
}

// Load reads and decodes a Config from path, applying
// defaults for any zero-valued field.
func Load(path string) (Config, error) {
	cfg := Default()
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("mergeconfig: reading %s: %w", path, err)
	}
	var file Config
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return Config{}, fmt.Errorf("mergeconfig: parsing %s: %w", path, err)
	}
	if file.MinChunkSize > 0 {
		cfg.MinChunkSize = file.MinChunkSize
	}
	if file.IndexCacheSize > 0 {
		cfg.IndexCacheSize = file.IndexCacheSize
	}
	if file.IOExceptionsThreshold > 0 {
		cfg.IOExceptionsThreshold = file.IOExceptionsThreshold
	}
	if file.SubDirsPerLocalDir > 0 {
		cfg.SubDirsPerLocalDir = file.SubDirsPerLocalDir
	}
	return cfg, nil
}
