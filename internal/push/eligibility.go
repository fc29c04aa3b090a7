package push

import (
	"github.com/mossfell/centsible/internal/store"
)

// EligibilityFilter decides which candidate users may receive scheduled
// notifications. Candidates are users with at least one live subscription;
// the filter only removes explicit opt-outs; a missing preference row means
// eligible, because the subscription itself is the consent signal.
type EligibilityFilter struct {
	prefs *store.PreferenceStore
}

func NewEligibilityFilter(prefs *store.PreferenceStore) *EligibilityFilter {
	return &EligibilityFilter{prefs: prefs}
}

// EligibleUsers filters the candidate set against stored preferences.
// It is a pure read; order of the input is preserved.
func (f *EligibilityFilter) EligibleUsers(candidates []int64) ([]int64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	optedOut, err := f.prefs.ListOptedOutUserIDs()
	if err != nil {
		return nil, err
	}
	if len(optedOut) == 0 {
		return candidates, nil
	}

	excluded := make(map[int64]struct{}, len(optedOut))
	for _, id := range optedOut {
		excluded[id] = struct{}{}
	}

	eligible := make([]int64, 0, len(candidates))
	for _, id := range candidates {
		if _, ok := excluded[id]; ok {
			continue
		}
		eligible = append(eligible, id)
	}
	return eligible, nil
}
