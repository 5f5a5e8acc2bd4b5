package services

import (
	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
)

// Partition splits ids into valid and invalid against dir. Only ids the
// directory reports as inactive are invalid; unknown ids count as valid.
func Partition(ids []string, dir Directory) (valid, invalid []string) {
	valid, invalid = []string{}, []string{}
	for _, id := range ids {
		status, known := dir[id]
		if known && !status.IsActive {
			invalid = append(invalid, id)
			continue
		}
		valid = append(valid, id)
	}
	return valid, invalid
}

// AllActive reports whether every id is known to dir and active.
func AllActive(ids []string, dir Directory) bool {
	for _, id := range ids {
		if status, ok := dir[id]; !ok || !status.IsActive {
			return false
		}
	}
	return true
}

func describeInvalid(ids []string, dir Directory) []InvalidDepartment {
	out := make([]InvalidDepartment, len(ids))
	for i, id := range ids {
		out[i] = InvalidDepartment{ID: id}
		if name := dir[id].Name; name != "" {
			out[i].Name = &name
		}
	}
	return out
}

func buildSnapshot(sets permref.Sets, valid, invalid []string) Snapshot {
	sets = sets.Normalize()
	return Snapshot{
		RankIDs:              sets.RankIDs,
		PositionIDs:          sets.PositionIDs,
		DepartmentIDs:        sets.DepartmentIDs,
		ValidDepartmentIDs:   valid,
		InvalidDepartmentIDs: invalid,
	}
}
