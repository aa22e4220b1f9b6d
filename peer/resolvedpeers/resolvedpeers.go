// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

// Package resolvedpeers implements ResolvedPeers (C1): an ordered, mutable
// list of candidate destination paths with per-element availability and
// stable positions used for reinstatement.
package resolvedpeers

import (
	"fmt"

	"github.com/gatewaycore/fwdcore/peer/path"
)

// noPosition is the PathRef sentinel for "not extracted from any list".
const noPosition = -1

// absentRef is returned in place of the Go zero value whenever a find
// fails: PathRef{}'s zero position (0) would otherwise be indistinguishable
// from a real reference to the first slot.
var absentRef = PathRef{position: noPosition}

// PathRef is a (path, slot-index) pair: the opener hands one of these back
// to whichever ResolvedPeers it came from when the attempt fails, so the
// slot can be reinstated at its original position.
type PathRef struct {
	Path     path.Path
	position int
}

// Absent reports whether the reference has no originating slot (e.g. a
// pinned-connection path, which is never part of a ResolvedPeers list).
func (r PathRef) Absent() bool {
	return r.position == noPosition
}

// Same reports whether r and other name the same slot of the same List.
// Path itself is not comparable with == (it embeds a net.IP slice), so
// callers that need to tell two PathRefs apart must use this instead.
func (r PathRef) Same(other PathRef) bool {
	return r.position == other.position
}

func (r PathRef) String() string {
	if r.Absent() {
		return fmt.Sprintf("%v", r.Path)
	}
	return fmt.Sprintf("%v @%d", r.Path, r.position)
}

type entry struct {
	path      path.Path
	available bool
}

// List is an ordered sequence of (path, available) entries plus the two
// derived indices described in spec §3: pathsToSkip (count of leading
// unavailable entries) and availablePaths (total available). Entries are
// appended only; extracting a path flips available=false and keeps the slot
// so a later Reinstate can mark it available again at its original position.
//
// A List is not safe for concurrent use; it is owned by exactly one
// forwarding transaction (FwdState or TunnelState) at a time.
type List struct {
	paths       []entry
	pathsToSkip int
	available   int

	// finalized indicates peer selection has produced all paths it will
	// ever produce.
	finalized bool
}

// New returns an empty List. capacityHint, when positive, preallocates
// storage the way the source reserves forward_max_tries slots up front.
func New(capacityHint int) *List {
	l := &List{}
	if capacityHint > 0 {
		l.paths = make([]entry, 0, capacityHint)
	}
	return l
}

// Add appends an available entry. Does not affect pathsToSkip.
func (l *List) Add(p path.Path) {
	l.paths = append(l.paths, entry{path: p, available: true})
	l.increaseAvailability()
}

// Finalize marks that peer selection will never append another path.
func (l *List) Finalize() {
	l.finalized = true
}

// Finalized reports whether Finalize has been called.
func (l *List) Finalized() bool {
	return l.finalized
}

// Size reports the number of currently-available paths.
func (l *List) Size() int {
	return l.available
}

// Empty reports whether there are no currently-available paths.
func (l *List) Empty() bool {
	return l.available == 0
}

// start returns the index of the first slot eligible for a find; it may
// equal len(l.paths) (nothing left to scan).
func (l *List) start() int {
	if l.pathsToSkip > len(l.paths) {
		panic("resolvedpeers: pathsToSkip exceeds path count")
	}
	return l.pathsToSkip
}

// finding is the internal result of a findX scan: the index of the first
// matching slot (or len(paths) if none), and whether a differently-kinded
// path ("other") was seen first.
type finding struct {
	index      int
	foundOther bool
}

func (l *List) makeFinding(index int, foundOther bool) finding {
	if foundOther {
		return finding{index: len(l.paths), foundOther: true}
	}
	return finding{index: index, foundOther: false}
}

// findPrime returns the first available same-peer same-family entry at or
// after start(), or a not-found finding noting whether a next-peer/spare
// entry was seen instead.
func (l *List) findPrime(currentPeer path.Path) finding {
	i := l.start()
	if i == len(l.paths) {
		return l.makeFinding(i, false)
	}
	candidate := l.paths[i].path
	foundOther := !currentPeer.SamePeer(candidate) || currentPeer.Family() != candidate.Family()
	return l.makeFinding(i, foundOther)
}

// findSpare returns the first available same-peer different-family entry at
// or after start(), skipping unavailable slots, or a not-found finding
// noting whether a next-peer entry was seen instead.
func (l *List) findSpare(currentPeer path.Path) finding {
	primeFamily := currentPeer.Family()
	for i := l.start(); i < len(l.paths); i++ {
		e := l.paths[i]
		if !e.available {
			continue
		}
		if !currentPeer.SamePeer(e.path) {
			return l.makeFinding(i, true) // found next peer
		}
		if primeFamily != e.path.Family() {
			return finding{index: i, foundOther: false} // found spare
		}
	}
	return finding{index: len(l.paths), foundOther: false}
}

// findPeer returns the first available same-peer entry at or after start(),
// or a not-found finding noting whether a next-peer entry was seen instead.
func (l *List) findPeer(currentPeer path.Path) finding {
	i := l.start()
	if i == len(l.paths) {
		return l.makeFinding(i, false)
	}
	foundOther := !currentPeer.SamePeer(l.paths[i].path)
	return l.makeFinding(i, foundOther)
}

// ExtractFront extracts the first available entry. Precondition: !Empty().
func (l *List) ExtractFront() PathRef {
	if l.Empty() {
		panic("resolvedpeers: ExtractFront on empty list")
	}
	return l.extractFound(l.start())
}

// ExtractPrime returns the first available entry whose peer identity and
// address family match currentPeer; an absent PathRef and false if none
// exists at or before the first mismatch.
func (l *List) ExtractPrime(currentPeer path.Path) (PathRef, bool) {
	f := l.findPrime(currentPeer)
	if f.index == len(l.paths) {
		return absentRef, false
	}
	return l.extractFound(f.index), true
}

// ExtractSpare returns the first available entry whose peer matches
// currentPeer but whose address family differs; an absent PathRef and false
// if none exists before the next-peer boundary.
func (l *List) ExtractSpare(currentPeer path.Path) (PathRef, bool) {
	f := l.findSpare(currentPeer)
	if f.index == len(l.paths) {
		return absentRef, false
	}
	return l.extractFound(f.index), true
}

// extractFound finalizes a successful find: marks the slot unavailable,
// advances pathsToSkip if the leftmost available slot was just consumed, and
// returns a PathRef that can later be reinstated.
func (l *List) extractFound(index int) PathRef {
	e := &l.paths[index]
	if !e.available {
		panic("resolvedpeers: extracting an already-unavailable path")
	}
	e.available = false
	l.decreaseAvailability()

	if index == l.pathsToSkip {
		for l.pathsToSkip++; l.pathsToSkip < len(l.paths) && !l.paths[l.pathsToSkip].available; l.pathsToSkip++ {
		}
	}

	return PathRef{Path: e.path.Clone().Path, position: index}
}

// HaveSpare is the non-destructive form of ExtractSpare.
func (l *List) HaveSpare(currentPeer path.Path) bool {
	f := l.findSpare(currentPeer)
	return f.index != len(l.paths)
}

// doneWith answers true iff future extractions of the kind findings was
// computed for are guaranteed to find nothing: either a differently-kinded
// path was seen while scanning, or none was found and the list is finalized.
func (l *List) doneWith(f finding) bool {
	if f.index != len(l.paths) {
		return false
	}
	if f.foundOther {
		return true
	}
	return l.finalized
}

// DoneWithSpares reports whether no ExtractSpare(currentPeer) will ever
// succeed again.
func (l *List) DoneWithSpares(currentPeer path.Path) bool {
	return l.doneWith(l.findSpare(currentPeer))
}

// DoneWithPrimes reports whether no ExtractPrime(currentPeer) will ever
// succeed again.
func (l *List) DoneWithPrimes(currentPeer path.Path) bool {
	return l.doneWith(l.findPrime(currentPeer))
}

// DoneWithPeer reports whether no extraction for currentPeer (prime or
// spare) will ever succeed again.
func (l *List) DoneWithPeer(currentPeer path.Path) bool {
	return l.doneWith(l.findPeer(currentPeer))
}

// Reinstate marks ref's slot available again. If its position is before
// pathsToSkip, pathsToSkip is lowered to that position.
func (l *List) Reinstate(ref PathRef) {
	if ref.Absent() {
		return
	}
	pos := ref.position
	if pos < 0 || pos >= len(l.paths) {
		panic("resolvedpeers: reinstating an out-of-range position")
	}
	e := &l.paths[pos]
	if e.available {
		panic("resolvedpeers: reinstating an already-available path")
	}
	e.available = true
	l.increaseAvailability()

	if pos < l.pathsToSkip {
		l.pathsToSkip = pos
	}
}

func (l *List) increaseAvailability() {
	l.available++
	if l.available > len(l.paths) {
		panic("resolvedpeers: availablePaths exceeds path count")
	}
}

func (l *List) decreaseAvailability() {
	if l.available == 0 {
		panic("resolvedpeers: decreasing availability below zero")
	}
	l.available--
}

func (l *List) String() string {
	if l.Empty() {
		return "[no paths]"
	}
	suffix := "+"
	if l.finalized {
		suffix = ""
	}
	return fmt.Sprintf("%d%s paths", l.Size(), suffix)
}
