// Package imap implements an IMAP4rev1 listener over the shared mailbox
// store.
//
// Each connection is served by one goroutine that owns the session state:
// NON_AUTHENTICATED, the AUTHENTICATE continuation states, AUTHENTICATED and
// SELECTED. Sequence numbers are recomputed from the live active instance
// list on every command. Deliveries into the selected mailbox arrive through
// a notify.Hub subscription and are reported as untagged EXISTS/RECENT
// between commands, or immediately while the client is in IDLE.
//
// \Recent is claimed on first sight: SELECT and the EXISTS push clear the
// stored flag and keep the UIDs in a per-session set, so no second session
// ever sees the same message as recent.
package imap
