package document

import "strings"

// Merge combines two versions of the same entity and returns the winner.
//
// Every field of a version carries that version's updated_at, so resolving
// each field independently by last-writer-wins yields the same winner for
// all of them; Merge therefore returns one of its arguments whole. The
// ordering is:
//
//  1. A tombstone beats any live write with updated_at at or before the
//     tombstone's. A live write strictly newer than the tombstone revives
//     the record.
//  2. Otherwise the strictly greater updated_at wins.
//  3. Equal timestamps fall to the lexicographically greater replica id,
//     so every device picks the same winner.
//
// Merge is commutative, associative and idempotent: applying the same
// remote snapshot twice is a no-op.
func Merge(a, b Entity) Entity {
	am, bm := a.EntityMeta(), b.EntityMeta()

	if am.Deleted() != bm.Deleted() {
		tomb, live := a, b
		if bm.Deleted() {
			tomb, live = b, a
		}
		if live.EntityMeta().UpdatedAt.After(tomb.EntityMeta().UpdatedAt) {
			return live
		}
		return tomb
	}

	switch {
	case am.UpdatedAt.After(bm.UpdatedAt):
		return a
	case bm.UpdatedAt.After(am.UpdatedAt):
		return b
	}

	if strings.Compare(am.ReplicaID, bm.ReplicaID) >= 0 {
		return a
	}
	return b
}
