// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

// statusApplied creates a status for an applied change with its version
func statusApplied(changeID string, version int64) ChangePushStatus {
	return ChangePushStatus{
		ChangeID: changeID,
		Status:   StApplied,
		Version:  &version,
	}
}

// statusDuplicatePrevented creates a status for a content-duplicate no-op
func statusDuplicatePrevented(changeID string) ChangePushStatus {
	return ChangePushStatus{
		ChangeID: changeID,
		Status:   StDuplicatePrevented,
	}
}

// statusInvalid creates a status for validation failures
func statusInvalid(changeID, reason string, err error) ChangePushStatus {
	st := ChangePushStatus{
		ChangeID: changeID,
		Status:   StInvalid,
		Invalid: map[string]any{
			"reason": reason,
		},
	}
	if err != nil {
		st.Message = err.Error()
		st.Invalid["details"] = map[string]any{"error": err.Error()}
	}
	return st
}
