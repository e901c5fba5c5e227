package lockstep

import (
	"cmp"
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// CommandSet is the frozen, ordered collection of commands assigned to one
// tick. Once broadcast it is never mutated.
type CommandSet struct {
	Tick     Tick      `json:"tick"`
	Commands []Command `json:"commands"`
	// Defaulted lists the clients whose entry was substituted at the deadline.
	Defaulted []ClientID `json:"defaulted,omitempty"`
}

// NewCommandSet freezes the provided commands for tick in canonical order.
// The inputs are copied; the caller may reuse them.
func NewCommandSet(tick Tick, commands []Command, defaulted []ClientID) CommandSet {
	set := CommandSet{Tick: tick}
	if len(commands) > 0 {
		set.Commands = make([]Command, len(commands))
		for i, cmd := range commands {
			set.Commands[i] = cmd.Clone()
		}
		SortCommands(set.Commands)
	}
	if len(defaulted) > 0 {
		set.Defaulted = append([]ClientID(nil), defaulted...)
		slices.Sort(set.Defaulted)
	}
	return set
}

// CompareCommands is the canonical total order: client id ascending, then
// sequence ascending.
func CompareCommands(a, b Command) int {
	if c := cmp.Compare(a.ClientID, b.ClientID); c != 0 {
		return c
	}
	return cmp.Compare(a.Sequence, b.Sequence)
}

// SortCommands orders commands canonically in place.
func SortCommands(commands []Command) {
	slices.SortFunc(commands, CompareCommands)
}

// IsCanonical reports whether the set's commands already follow the canonical
// order and belong to the set's tick.
func (s CommandSet) IsCanonical() bool {
	for i, cmd := range s.Commands {
		if cmd.Tick != s.Tick {
			return false
		}
		if i > 0 && CompareCommands(s.Commands[i-1], cmd) >= 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (s CommandSet) Clone() CommandSet {
	return NewCommandSet(s.Tick, s.Commands, s.Defaulted)
}

// ForClient returns the commands contributed by id.
func (s CommandSet) ForClient(id ClientID) []Command {
	var out []Command
	for _, cmd := range s.Commands {
		if cmd.ClientID == id {
			out = append(out, cmd)
		}
	}
	return out
}

// WasDefaulted reports whether id received a deadline substitute.
func (s CommandSet) WasDefaulted(id ClientID) bool {
	_, found := slices.BinarySearch(s.Defaulted, id)
	return found
}

// Digest hashes the canonical encoding of the set. Two participants holding
// the same set compute the same digest.
func (s CommandSet) Digest() uint64 {
	h := xxhash.New()
	var scratch [8]byte
	writeUint := func(v uint64) {
		binary.BigEndian.PutUint64(scratch[:], v)
		h.Write(scratch[:])
	}
	writeUint(uint64(s.Tick))
	writeUint(uint64(len(s.Commands)))
	for _, cmd := range s.Commands {
		writeUint(uint64(cmd.ClientID))
		writeUint(uint64(cmd.Sequence))
		writeUint(uint64(len(cmd.Payload)))
		h.Write(cmd.Payload)
	}
	writeUint(uint64(len(s.Defaulted)))
	for _, id := range s.Defaulted {
		writeUint(uint64(id))
	}
	return h.Sum64()
}
