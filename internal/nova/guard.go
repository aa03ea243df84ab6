// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package nova

import "sync/atomic"

// Guard tracks whether the unscoped-cache failure has been seen in this
// process, so the first occurrence is loud and the rest are quiet. One Guard
// is shared by every client the engine builds.
type Guard struct {
	seen  atomic.Bool
	count atomic.Int64
}

// NewGuard returns a Guard in the not-yet-seen state.
func NewGuard() *Guard { return &Guard{} }

// NoteOccurrence records one occurrence and reports whether it was the first.
func (g *Guard) NoteOccurrence() bool {
	g.count.Add(1)
	return g.seen.CompareAndSwap(false, true)
}

// Count returns the number of recorded occurrences.
func (g *Guard) Count() int64 { return g.count.Load() }
