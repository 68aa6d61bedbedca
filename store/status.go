package store

import "github.com/emersion/go-imap/v2"

// AssignSequence numbers instances 1..N in slice order. The slice must
// already be sorted by ascending UID.
func AssignSequence(instances []MailInstance) {
	for i := range instances {
		instances[i].Seq = uint32(i + 1)
	}
}

// ComputeStatus derives the SELECT/STATUS counters from an ascending list of
// active instances.
func ComputeStatus(mbox *Mailbox, active []MailInstance) *MailboxStatus {
	st := &MailboxStatus{
		Messages:    uint32(len(active)),
		UIDNext:     mbox.UIDNext,
		UIDValidity: mbox.UIDValidity,
	}
	for _, inst := range active {
		if inst.Flags.Has(FlagRecent) {
			st.Recent++
		}
		if !inst.Flags.Has(FlagSeen) {
			st.Unseen++
			if st.FirstUnseenUID == 0 {
				st.FirstUnseenUID = inst.UID
			}
		}
	}
	return st
}

// DeletedSeqNums returns the sequence numbers of instances flagged \Deleted.
func DeletedSeqNums(active []MailInstance) []uint32 {
	var seqs []uint32
	for i, inst := range active {
		if inst.Flags.Has(FlagDeleted) {
			seqs = append(seqs, uint32(i+1))
		}
	}
	return seqs
}

// SeqNumsForUIDs returns the sequence numbers of the given UIDs within an
// ascending active list, ascending.
func SeqNumsForUIDs(active []MailInstance, uids []imap.UID) []uint32 {
	want := make(map[imap.UID]struct{}, len(uids))
	for _, u := range uids {
		want[u] = struct{}{}
	}
	var seqs []uint32
	for i, inst := range active {
		if _, ok := want[inst.UID]; ok {
			seqs = append(seqs, uint32(i+1))
		}
	}
	return seqs
}
