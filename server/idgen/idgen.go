// Package idgen generates short session identifiers that sort roughly by
// creation time.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"sync/atomic"
	"time"
)

var (
	counter  atomic.Uint32
	encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

// IDLength is the length of every identifier returned by New.
const IDLength = 16

// New returns a 16 character identifier built from the current second, a
// process-wide counter and four random bytes.
func New() string {
	var raw [10]byte
	binary.BigEndian.PutUint32(raw[0:4], uint32(time.Now().Unix()))
	binary.BigEndian.PutUint16(raw[4:6], uint16(counter.Add(1)))
	if _, err := rand.Read(raw[6:]); err != nil {
		binary.BigEndian.PutUint32(raw[6:], uint32(time.Now().UnixNano()))
	}
	return encoding.EncodeToString(raw[:])
}
