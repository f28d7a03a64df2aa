package strategy

import (
	"github.com/driftmark/rewards/pkg/db/models"
)

// BuildBaseline reconstructs the state of every strategy on a pair as of a
// checkpoint, from pre-aggregated event-log queries:
//
//   - created: the creating event of each strategy (one row per strategy),
//   - latest: each strategy's most recent created-or-updated event under
//     (block id, transaction index, log index) descending,
//   - transfers: each strategy's most recent ownership transfer,
//   - deletedIDs: strategies with a deletion at or before the checkpoint.
//
// Strategies whose order payloads fail to parse are skipped; the returned
// count reports how many, so the caller can log the gap without the whole
// campaign failing on one corrupt row.
func BuildBaseline(created, latest, transfers []models.StrategyEvent, deletedIDs []string) (Map, int) {
	creators := make(map[string]*models.StrategyEvent, len(created))
	for i := range created {
		ev := &created[i]
		if _, ok := creators[ev.StrategyID]; !ok {
			creators[ev.StrategyID] = ev
		}
	}

	m := make(Map, len(latest))
	skipped := 0

	for i := range latest {
		ev := latest[i]
		// Side canonicalization keys off raw addresses, so seeding from the
		// latest row is equivalent to replaying create-then-updates.
		ev.Type = models.EventCreated
		if err := m.Apply(&ev); err != nil {
			skipped++
			continue
		}
		st := m[ev.StrategyID]
		if creator, ok := creators[ev.StrategyID]; ok {
			st.CreationWallet = creator.Owner
			st.CurrentOwner = creator.Owner
		}
	}

	for i := range transfers {
		ev := transfers[i]
		ev.Type = models.EventTransfer
		m.applyTransfer(&ev)
	}

	for _, id := range deletedIDs {
		if st, ok := m[id]; ok {
			st.Order0 = zeroOrder()
			st.Order1 = zeroOrder()
			st.Deleted = true
		}
	}

	return m, skipped
}
