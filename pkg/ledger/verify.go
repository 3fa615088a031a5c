package ledger

import "fmt"

// VerifyEntries walks an ordered chain slice and recomputes every link.
// It checks previous-hash linkage first (genesis for index 0), then the
// recomputed entry hash. The first index failing either check is reported.
// A chain with zero entries is trivially valid.
func VerifyEntries(chainID string, entries []Entry) *Verification {
	v := &Verification{
		ChainID:             chainID,
		Valid:               true,
		Entries:             len(entries),
		FirstViolationIndex: -1,
	}

	expectedPrev := GenesisHash
	for i, e := range entries {
		if e.PreviousHash != expectedPrev {
			v.Valid = false
			v.FirstViolationIndex = i
			v.Detail = fmt.Sprintf("entry %d: previous_hash %s does not link to %s", i, e.PreviousHash, expectedPrev)
			return v
		}
		computed, err := ComputeEntryHash(e)
		if err != nil {
			v.Valid = false
			v.FirstViolationIndex = i
			v.Detail = fmt.Sprintf("entry %d: hash recomputation failed: %v", i, err)
			return v
		}
		if computed != e.CurrentHash {
			v.Valid = false
			v.FirstViolationIndex = i
			v.Detail = fmt.Sprintf("entry %d: current_hash %s, recomputed %s", i, e.CurrentHash, computed)
			return v
		}
		expectedPrev = e.CurrentHash
	}
	return v
}
