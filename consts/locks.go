package consts

// MigrationAdvisoryLockID guards schema migrations so two admin tools never
// run them concurrently.
const MigrationAdvisoryLockID = 42734581

// MailboxLockNamespace is the first key of the two-key advisory lock taken
// around UID allocation and moves; the second key is the mailbox id.
const MailboxLockNamespace = 7301
