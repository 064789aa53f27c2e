// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package normalize

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Similarity scores how alike two free-text identifiers are, in [0,1].
// Used only for user-facing merge suggestions, never for automatic
// correctness decisions.
func Similarity(a, b string) float64 {
	fa, fb := foldText(a), foldText(b)
	if fa == fb {
		return 1
	}
	if len(fa) == 0 || len(fb) == 0 {
		return 0
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(fa, fb, false)

	common := 0
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			common += len(d.Text)
		}
	}
	return float64(2*common) / float64(len(fa)+len(fb))
}
