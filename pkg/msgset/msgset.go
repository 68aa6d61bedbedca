// Package msgset parses IMAP message-set expressions and resolves them
// against a mailbox's active instances.
//
//	set  := item ("," item)*
//	item := num | "*" | bound ":" bound
//
// "*" stands for the largest value in scope: the highest active UID for UID
// sets, the number of active instances for sequence sets. Reversed ranges
// are normalized and numbers with no matching instance are dropped.
package msgset

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/store"
)

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("malformed message set")

// Kind selects how numbers in a set are interpreted.
type Kind int

const (
	SeqNum Kind = iota
	UID
)

// star marks "*" in a parsed bound.
const star = 0

type rng struct {
	start, stop uint32
}

// Set is a parsed message-set.
type Set struct {
	ranges []rng
}

// Parse parses a message-set. Zero is not a valid number.
func Parse(s string) (Set, error) {
	if s == "" {
		return Set{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	var set Set
	for _, item := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(item, ":")
		start, err := parseBound(lo)
		if err != nil {
			return Set{}, err
		}
		stop := start
		if isRange {
			if stop, err = parseBound(hi); err != nil {
				return Set{}, err
			}
		}
		set.ranges = append(set.ranges, rng{start: start, stop: stop})
	}
	return set, nil
}

func parseBound(s string) (uint32, error) {
	if s == "*" {
		return star, nil
	}
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return uint32(n), nil
}

// String renders the set in normalized item order.
func (s Set) String() string {
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = formatBound(r.start)
		if r.stop != r.start {
			parts[i] += ":" + formatBound(r.stop)
		}
	}
	return strings.Join(parts, ",")
}

func formatBound(v uint32) string {
	if v == star {
		return "*"
	}
	return strconv.FormatUint(uint64(v), 10)
}

// Contains reports whether v falls inside the set once "*" is replaced by max.
func (s Set) Contains(v, max uint32) bool {
	for _, r := range s.ranges {
		lo, hi := bound(r.start, max), bound(r.stop, max)
		if lo > hi {
			lo, hi = hi, lo
		}
		if v >= lo && v <= hi {
			return true
		}
	}
	return false
}

func bound(v, max uint32) uint32 {
	if v == star {
		return max
	}
	return v
}

// Resolve selects the instances of active (ascending by UID, Seq assigned)
// matched by the set. The result is ascending and free of duplicates. An
// empty mailbox yields an empty result, even for "*".
func (s Set) Resolve(kind Kind, active []store.MailInstance) []store.MailInstance {
	if len(active) == 0 {
		return nil
	}
	var max uint32
	if kind == UID {
		max = uint32(active[len(active)-1].UID)
	} else {
		max = uint32(len(active))
	}
	out := make([]store.MailInstance, 0)
	for i, inst := range active {
		key := uint32(i + 1)
		if kind == UID {
			key = uint32(inst.UID)
		}
		if s.Contains(key, max) {
			out = append(out, inst)
		}
	}
	return out
}

// Resolve parses expr and resolves it in one step.
func Resolve(expr string, kind Kind, active []store.MailInstance) ([]store.MailInstance, error) {
	set, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return set.Resolve(kind, active), nil
}

// UIDs extracts the UIDs of resolved instances.
func UIDs(instances []store.MailInstance) []imap.UID {
	uids := make([]imap.UID, len(instances))
	for i, inst := range instances {
		uids[i] = inst.UID
	}
	return uids
}

// FormatUIDs renders UIDs in compact message-set form, e.g. "1:3,7".
func FormatUIDs(uids []imap.UID) string {
	if len(uids) == 0 {
		return ""
	}
	sorted := append([]imap.UID(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(start), 10))
		if prev != start {
			b.WriteByte(':')
			b.WriteString(strconv.FormatUint(uint64(prev), 10))
		}
	}
	for _, u := range sorted[1:] {
		if u == prev || u == prev+1 {
			prev = u
			continue
		}
		flush()
		start, prev = u, u
	}
	flush()
	return b.String()
}
