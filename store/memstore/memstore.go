// Package memstore is an in-process implementation of store.Store. It backs
// protocol tests and the "memory" database driver.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/helpers"
	"github.com/litongjava/tio-mail-wing/pkg/metrics"
	"github.com/litongjava/tio-mail-wing/store"
)

type account struct {
	id           int64
	address      string
	passwordHash string
}

type message struct {
	store.Message
	raw []byte
}

type instance struct {
	store.MailInstance
	expunged bool
}

// Store keeps all state behind one mutex, which trivially serializes UID
// allocation per mailbox.
type Store struct {
	mu sync.Mutex

	bcryptCost int
	nextID     int64

	accounts        map[int64]*account
	accountsByAddr  map[string]int64
	mailboxes       map[int64]*store.Mailbox
	mailboxesByUser map[int64]map[string]int64
	messages        map[int64]*message
	messagesByHash  map[string]int64
	// instances per mailbox, ascending by UID
	instances map[int64][]*instance

	now func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithBcryptCost overrides the password hashing cost. Tests use
// bcrypt.MinCost to stay fast.
func WithBcryptCost(cost int) Option {
	return func(s *Store) { s.bcryptCost = cost }
}

// WithClock replaces time.Now for internal dates and UIDVALIDITY.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		accounts:        make(map[int64]*account),
		accountsByAddr:  make(map[string]int64),
		mailboxes:       make(map[int64]*store.Mailbox),
		mailboxesByUser: make(map[int64]map[string]int64),
		messages:        make(map[int64]*message),
		messagesByHash:  make(map[string]int64),
		instances:       make(map[int64][]*instance),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) Authenticate(ctx context.Context, address, password string) (int64, error) {
	s.mu.Lock()
	acc, ok := s.accounts[s.accountsByAddr[helpers.NormalizeAddress(address)]]
	s.mu.Unlock()
	if !ok {
		return 0, consts.ErrInvalidCredentials
	}
	match, err := store.VerifyPassword(acc.passwordHash, password)
	if err != nil || !match {
		return 0, consts.ErrInvalidCredentials
	}
	return acc.id, nil
}

func (s *Store) UserExists(ctx context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accountsByAddr[helpers.NormalizeAddress(address)]
	return ok, nil
}

func (s *Store) GetUserIDByAddress(ctx context.Context, address string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.accountsByAddr[helpers.NormalizeAddress(address)]
	if !ok {
		return 0, consts.ErrUserNotFound
	}
	return id, nil
}

func (s *Store) CreateAccount(ctx context.Context, address, password string) (int64, error) {
	hash, err := store.HashPassword(password, s.bcryptCost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}
	addr := helpers.NormalizeAddress(address)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accountsByAddr[addr]; exists {
		return 0, consts.ErrUserExists
	}
	acc := &account{id: s.id(), address: addr, passwordHash: hash}
	s.accounts[acc.id] = acc
	s.accountsByAddr[addr] = acc.id
	s.mailboxesByUser[acc.id] = make(map[string]int64)
	for _, name := range consts.DefaultMailboxes {
		s.createMailboxLocked(acc.id, name)
	}
	return acc.id, nil
}

func (s *Store) SetPassword(ctx context.Context, address, password string) error {
	hash, err := store.HashPassword(password, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[s.accountsByAddr[helpers.NormalizeAddress(address)]]
	if !ok {
		return consts.ErrUserNotFound
	}
	acc.passwordHash = hash
	return nil
}

func (s *Store) createMailboxLocked(userID int64, name string) *store.Mailbox {
	mbox := &store.Mailbox{
		ID:          s.id(),
		UserID:      userID,
		Name:        store.CanonicalMailboxName(name),
		UIDValidity: uint32(s.now().Unix()),
		UIDNext:     1,
		CreatedAt:   s.now(),
	}
	s.mailboxes[mbox.ID] = mbox
	s.mailboxesByUser[userID][mbox.Name] = mbox.ID
	return mbox
}

func (s *Store) CreateMailbox(ctx context.Context, userID int64, name string) (*store.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.mailboxesByUser[userID]
	if !ok {
		return nil, consts.ErrUserNotFound
	}
	if _, exists := byName[store.CanonicalMailboxName(name)]; exists {
		return nil, consts.ErrMailboxExists
	}
	mbox := *s.createMailboxLocked(userID, name)
	return &mbox, nil
}

func (s *Store) mailboxLocked(userID int64, name string) (*store.Mailbox, error) {
	byName, ok := s.mailboxesByUser[userID]
	if !ok {
		return nil, consts.ErrUserNotFound
	}
	id, ok := byName[store.CanonicalMailboxName(name)]
	if !ok {
		return nil, consts.ErrMailboxNotFound
	}
	return s.mailboxes[id], nil
}

func (s *Store) GetMailboxByName(ctx context.Context, userID int64, name string) (*store.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mbox, err := s.mailboxLocked(userID, name)
	if err != nil {
		return nil, err
	}
	cp := *mbox
	return &cp, nil
}

func (s *Store) ListMailboxes(ctx context.Context, userID int64) ([]*store.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.mailboxesByUser[userID]
	if !ok {
		return nil, consts.ErrUserNotFound
	}
	out := make([]*store.Mailbox, 0, len(byName))
	for _, id := range byName {
		cp := *s.mailboxes[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) activeLocked(mailboxID int64) []store.MailInstance {
	var out []store.MailInstance
	for _, inst := range s.instances[mailboxID] {
		if !inst.expunged {
			out = append(out, inst.MailInstance)
		}
	}
	store.AssignSequence(out)
	return out
}

func (s *Store) GetMailboxStatus(ctx context.Context, mailboxID int64) (*store.MailboxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mbox, ok := s.mailboxes[mailboxID]
	if !ok {
		return nil, consts.ErrMailboxNotFound
	}
	return store.ComputeStatus(mbox, s.activeLocked(mailboxID)), nil
}

// storeMessageLocked returns the message row for raw, inserting it when no
// row with the same content hash exists.
func (s *Store) storeMessageLocked(raw []byte) *message {
	hash := helpers.HashContent(raw)
	if id, ok := s.messagesByHash[hash]; ok {
		metrics.MessagesDeduplicated.Inc()
		return s.messages[id]
	}
	msg := &message{
		Message: store.Message{
			ID:          s.id(),
			ContentHash: hash,
			Size:        int64(len(raw)),
		},
		raw: append([]byte(nil), raw...),
	}
	if hdr, err := helpers.ReadHeader(raw); err == nil {
		msg.MessageID = hdr.Get("Message-Id")
		msg.Subject = hdr.Get("Subject")
		msg.From = hdr.Get("From")
		msg.To = hdr.Get("To")
	}
	s.messages[msg.ID] = msg
	s.messagesByHash[hash] = msg.ID
	return msg
}

func (s *Store) appendInstanceLocked(mbox *store.Mailbox, msg *message, flags store.Flags, date time.Time) *instance {
	inst := &instance{MailInstance: store.MailInstance{
		ID:           s.id(),
		UserID:       mbox.UserID,
		MailboxID:    mbox.ID,
		MessageID:    msg.ID,
		UID:          mbox.UIDNext,
		Flags:        flags,
		InternalDate: date,
		Size:         msg.Size,
		ContentHash:  msg.ContentHash,
	}}
	mbox.UIDNext++
	s.instances[mbox.ID] = append(s.instances[mbox.ID], inst)
	return inst
}

func (s *Store) Deliver(ctx context.Context, userID int64, mailboxName string, raw []byte) (*store.MailInstance, error) {
	out, err := s.DeliverAll(ctx, []store.DeliveryTarget{{UserID: userID, MailboxName: mailboxName}}, raw)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (s *Store) DeliverAll(ctx context.Context, targets []store.DeliveryTarget, raw []byte) ([]*store.MailInstance, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mailboxes := make([]*store.Mailbox, len(targets))
	for i, t := range targets {
		mbox, err := s.mailboxLocked(t.UserID, t.MailboxName)
		if err != nil {
			return nil, err
		}
		mailboxes[i] = mbox
	}
	msg := s.storeMessageLocked(raw)
	now := s.now()
	out := make([]*store.MailInstance, len(targets))
	for i, mbox := range mailboxes {
		inst := s.appendInstanceLocked(mbox, msg, store.FlagRecent, now)
		copied := inst.MailInstance
		copied.Seq = uint32(len(s.activeLocked(mbox.ID)))
		out[i] = &copied
	}
	return out, nil
}

func (s *Store) ListActive(ctx context.Context, mailboxID int64) ([]store.MailInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mailboxes[mailboxID]; !ok {
		return nil, consts.ErrMailboxNotFound
	}
	return s.activeLocked(mailboxID), nil
}

func (s *Store) GetMessageContent(ctx context.Context, inst store.MailInstance) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[inst.MessageID]
	if !ok {
		return nil, consts.ErrMessageNotFound
	}
	return append([]byte(nil), msg.raw...), nil
}

func uidSet(uids []imap.UID) map[imap.UID]struct{} {
	set := make(map[imap.UID]struct{}, len(uids))
	for _, u := range uids {
		set[u] = struct{}{}
	}
	return set
}

func (s *Store) SetFlags(ctx context.Context, mailboxID int64, uids []imap.UID, flags store.Flags, add bool) ([]store.MailInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mailboxes[mailboxID]; !ok {
		return nil, consts.ErrMailboxNotFound
	}
	want := uidSet(uids)
	var updated []store.MailInstance
	for _, inst := range s.instances[mailboxID] {
		if inst.expunged {
			continue
		}
		if _, ok := want[inst.UID]; !ok {
			continue
		}
		if add {
			inst.Flags |= flags
		} else {
			inst.Flags &^= flags
		}
		updated = append(updated, inst.MailInstance)
	}
	active := s.activeLocked(mailboxID)
	seqByUID := make(map[imap.UID]uint32, len(active))
	for _, a := range active {
		seqByUID[a.UID] = a.Seq
	}
	for i := range updated {
		updated[i].Seq = seqByUID[updated[i].UID]
	}
	return updated, nil
}

func (s *Store) ClaimRecent(ctx context.Context, mailboxID int64) ([]imap.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []imap.UID
	for _, inst := range s.instances[mailboxID] {
		if inst.expunged || !inst.Flags.Has(store.FlagRecent) {
			continue
		}
		inst.Flags &^= store.FlagRecent
		claimed = append(claimed, inst.UID)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i] < claimed[j] })
	return claimed, nil
}

func (s *Store) Expunge(ctx context.Context, userID int64, mailboxName string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mbox, err := s.mailboxLocked(userID, mailboxName)
	if err != nil {
		return nil, err
	}
	seqs := store.DeletedSeqNums(s.activeLocked(mbox.ID))
	for _, inst := range s.instances[mbox.ID] {
		if !inst.expunged && inst.Flags.Has(store.FlagDeleted) {
			inst.expunged = true
		}
	}
	return seqs, nil
}

func (s *Store) DeleteMessages(ctx context.Context, mailboxID int64, uids []imap.UID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mailboxes[mailboxID]; !ok {
		return 0, consts.ErrMailboxNotFound
	}
	want := uidSet(uids)
	n := 0
	for _, inst := range s.instances[mailboxID] {
		if _, ok := want[inst.UID]; ok && !inst.expunged {
			inst.Flags |= store.FlagDeleted
			inst.expunged = true
			n++
		}
	}
	return n, nil
}

func (s *Store) copyLocked(userID, srcMailboxID int64, uids []imap.UID, destName string, move bool) (*store.CopyResult, error) {
	src, ok := s.mailboxes[srcMailboxID]
	if !ok || src.UserID != userID {
		return nil, consts.ErrMailboxNotFound
	}
	dest, err := s.mailboxLocked(userID, destName)
	if err != nil {
		return nil, err
	}
	want := uidSet(uids)
	res := &store.CopyResult{DestMailboxID: dest.ID, DestUIDValidity: dest.UIDValidity}

	var moved []*instance
	for _, inst := range s.instances[src.ID] {
		if inst.expunged {
			continue
		}
		if _, ok := want[inst.UID]; !ok {
			continue
		}
		msg := s.messages[inst.MessageID]
		created := s.appendInstanceLocked(dest, msg, inst.Flags|store.FlagRecent, inst.InternalDate)
		res.Pairs = append(res.Pairs, store.UIDPair{Source: inst.UID, Dest: created.UID})
		moved = append(moved, inst)
	}
	if move {
		res.ExpungedSeqNums = store.SeqNumsForUIDs(s.activeLocked(src.ID), uids)
		for _, inst := range moved {
			inst.expunged = true
		}
	}
	return res, nil
}

func (s *Store) CopyMessages(ctx context.Context, userID, srcMailboxID int64, uids []imap.UID, destName string) (*store.CopyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked(userID, srcMailboxID, uids, destName, false)
}

func (s *Store) MoveMessages(ctx context.Context, userID, srcMailboxID int64, uids []imap.UID, destName string) (*store.CopyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked(userID, srcMailboxID, uids, destName, true)
}

func (s *Store) GetMetricsStats(ctx context.Context) (*metrics.MetricsStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &metrics.MetricsStats{
		TotalAccounts:  int64(len(s.accounts)),
		TotalMailboxes: int64(len(s.mailboxes)),
	}
	for _, list := range s.instances {
		for _, inst := range list {
			if !inst.expunged {
				stats.TotalMessages++
			}
		}
	}
	return stats, nil
}

// MessageCount returns the number of distinct stored message bodies.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// InstanceCount returns the number of instance rows, expunged ones included.
func (s *Store) InstanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, list := range s.instances {
		n += len(list)
	}
	return n
}

func (s *Store) Close() {}
