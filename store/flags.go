package store

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

// Flags is the bitwise flag set stored per mail instance.
type Flags int

const (
	FlagSeen     Flags = 1 << iota // 1
	FlagAnswered                   // 2
	FlagFlagged                    // 4
	FlagDeleted                    // 8
	FlagDraft                      // 16
	FlagRecent                     // 32
)

// FlagRecentName is the IMAP name of the \Recent flag. go-imap v2 dropped the
// constant because IMAP4rev2 removed the flag.
const FlagRecentName = imap.Flag("\\Recent")

// PermanentFlags are the flags a client may set with STORE.
const PermanentFlags = FlagSeen | FlagAnswered | FlagFlagged | FlagDeleted | FlagDraft

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// FlagToBitwise maps a single IMAP flag name to its bit. Unknown flags,
// including keywords, map to zero.
func FlagToBitwise(flag imap.Flag) Flags {
	switch strings.ToLower(string(flag)) {
	case "\\seen":
		return FlagSeen
	case "\\answered":
		return FlagAnswered
	case "\\flagged":
		return FlagFlagged
	case "\\deleted":
		return FlagDeleted
	case "\\draft":
		return FlagDraft
	case "\\recent":
		return FlagRecent
	}
	return 0
}

// FlagsToBitwise folds a list of IMAP flags into a bitset.
func FlagsToBitwise(flags []imap.Flag) Flags {
	var bitwise Flags
	for _, flag := range flags {
		bitwise |= FlagToBitwise(flag)
	}
	return bitwise
}

// BitwiseToFlags renders a bitset in the canonical order used on the wire.
func BitwiseToFlags(bitwise Flags) []imap.Flag {
	flags := make([]imap.Flag, 0, 6)
	if bitwise&FlagSeen != 0 {
		flags = append(flags, imap.FlagSeen)
	}
	if bitwise&FlagAnswered != 0 {
		flags = append(flags, imap.FlagAnswered)
	}
	if bitwise&FlagFlagged != 0 {
		flags = append(flags, imap.FlagFlagged)
	}
	if bitwise&FlagDeleted != 0 {
		flags = append(flags, imap.FlagDeleted)
	}
	if bitwise&FlagDraft != 0 {
		flags = append(flags, imap.FlagDraft)
	}
	if bitwise&FlagRecent != 0 {
		flags = append(flags, FlagRecentName)
	}
	return flags
}

// FormatFlags renders a bitset as the space separated list found inside
// "FLAGS (...)".
func FormatFlags(bitwise Flags) string {
	flags := BitwiseToFlags(bitwise)
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, " ")
}
