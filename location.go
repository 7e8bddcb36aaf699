// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigpool

// FuncLocations returns a slice of strings that describe the locations
// of Func creation, in the order of creation. We use this to verify
// that client and engine processes have the same Funcs. Note that this
// is not a precise verification, as it's possible for different funcs
// to be created at the same location. However, it should catch most
// programming errors that cause registry skew, e.g. locally created
// funcs.
func FuncLocations() []string {
	locs := make([]string, len(funcs))
	for i, f := range funcs {
		locs[i] = f.location
	}
	return locs
}

// FuncLocationsDiff returns a slice of strings that describes the
// difference between the given sets of locations. If the sets are
// identical, it returns nil. It is used to produce diagnostic
// messages when engine func registries do not match the client's.
// Unchanged lines are included as-is; lines only in rhs are prefixed
// with "+ "; lines only in lhs are prefixed with "- ".
func FuncLocationsDiff(lhs, rhs []string) []string {
	// Compute an edit script from a longest common subsequence table,
	// preferring deletions to insertions for stable output.
	lcs := make([][]int, len(lhs)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(rhs)+1)
	}
	for i := len(lhs) - 1; i >= 0; i-- {
		for j := len(rhs) - 1; j >= 0; j-- {
			if lhs[i] == rhs[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}
	var (
		diff      []string
		identical = true
		i, j      = 0, 0
	)
	for i < len(lhs) && j < len(rhs) {
		switch {
		case lhs[i] == rhs[j]:
			diff = append(diff, lhs[i])
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			diff = append(diff, "- "+lhs[i])
			identical = false
			i++
		default:
			diff = append(diff, "+ "+rhs[j])
			identical = false
			j++
		}
	}
	for ; i < len(lhs); i++ {
		diff = append(diff, "- "+lhs[i])
		identical = false
	}
	for ; j < len(rhs); j++ {
		diff = append(diff, "+ "+rhs[j])
		identical = false
	}
	if identical {
		return nil
	}
	return diff
}
