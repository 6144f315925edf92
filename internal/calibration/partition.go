package calibration

import (
	"sort"

	"github.com/banshee-data/scdcal/internal/peaks"
)

// DefaultMinPeaksPerBank is the smallest bank group worth fitting.
const DefaultMinPeaksPerBank = 6

// Partition groups peak indices by bank name in one pass. Peaks without a
// bank are left out.
func Partition(ws *peaks.Workspace) map[string][]int {
	out := make(map[string][]int)
	for i, p := range ws.Peaks() {
		if p.BankName == peaks.NoBank || p.BankName == "" {
			continue
		}
		out[p.BankName] = append(out[p.BankName], i)
	}
	return out
}

// EligibleBanks splits the partition into banks with at least minCount
// peaks and banks below it. Both lists are sorted.
func EligibleBanks(partition map[string][]int, minCount int) (eligible, skipped []string) {
	for bank, idx := range partition {
		if len(idx) >= minCount {
			eligible = append(eligible, bank)
		} else {
			skipped = append(skipped, bank)
		}
	}
	sort.Strings(eligible)
	sort.Strings(skipped)
	return eligible, skipped
}
