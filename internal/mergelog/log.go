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

// Package mergelog provides a small leveled logger used
// throughout the merge service. It is a thin wrapper around
// *log.Logger so that callers (and tests) can pass nil and
// get silent, panic-free logging.
package mergelog

import (
	"log"
	"os"
)

// Logger is the logging interface consumed by the
// merge engine. A nil *Logger is valid and discards
// everything written to it.
type Logger struct {
	std *log.Logger
}

// New returns a Logger that writes to os.Stderr
// prefixed with name.
func New(name string) *Logger {
	return &Logger{std: log.New(os.Stderr, name+": ", log.LstdFlags|log.Lmicroseconds)}
}

// Errorf logs a message at error level. Per spec.md §7,
// non-fatal protocol outcomes (late/stale/collision/too-old)
// must never be logged through this method; callers should
// use Warnf or nothing at all for those.
func (l *Logger) Errorf(f string, args ...interface{}) {
	if l == nil || l.std == nil {
		return
	}
	l.std.Printf("ERROR "+f, args...)
}

// Warnf logs a message at warning level.
func (l *Logger) Warnf(f string, args ...interface{}) {
	if l == nil || l.std == nil {
		return
	}
	l.std.Printf("WARN "+f, args...)
}

// Infof logs a message at informational level.
func (l *Logger) Infof(f string, args ...interface{}) {
	if l == nil || l.std == nil {
		return
	}
	l.std.Printf(f, args...)
}
