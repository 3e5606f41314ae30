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

// Package dircleaner recursively deletes application merge
// directories in the background, off the request path that triggers
// them (spec.md §4.7, application_removed). It is a single
// background worker draining a bounded job channel, the same shape
// as tenant/dcache.Cache's queue.out/worker pattern, narrowed from a
// fan-out pool to exactly one worker since directory removal is not
// meant to compete with foreground I/O for disk bandwidth.
package dircleaner

import (
	"os"
	"sync"

	"github.com/sneller-oss/shufflemerge/internal/mergelog"
)

// defaultQueueDepth bounds how many pending deletes can be queued
// before Submit blocks the caller.
const defaultQueueDepth = 256

// Cleaner deletes directory trees one at a time in the background.
// A removal failure is logged and otherwise swallowed: spec.md §4.7
// treats directory cleanup as best effort, never a reason to fail
// the request that triggered it.
type Cleaner struct {
	jobs   chan string
	wg     sync.WaitGroup
	logger *mergelog.Logger
}

// New starts a Cleaner with a single background worker.
func New(logger *mergelog.Logger) *Cleaner {
	c := &Cleaner{
		jobs:   make(chan string, defaultQueueDepth),
		logger: logger,
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

// Submit enqueues a directory tree for background removal. It
// blocks if the queue is full, applying backpressure rather than
// growing unbounded.
func (c *Cleaner) Submit(dir string) {
	c.jobs <- dir
}

func (c *Cleaner) worker() {
	defer c.wg.Done()
	for dir := range c.jobs {
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warnf("dircleaner: removing %s: %v", dir, err)
		}
	}
}

// Close stops accepting new jobs and waits for the queue to drain.
func (c *Cleaner) Close() {
	close(c.jobs)
	c.wg.Wait()
}
