package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStatus is returned by ParseStatus for values outside the
// canonical set and its legacy aliases.
var ErrUnknownStatus = errors.New("unknown execution status")

type ExecutionStatus string

const (
	StatusCreated         ExecutionStatus = "CREATED"
	StatusCloningRepo     ExecutionStatus = "CLONING_REPO"
	StatusAnalyzingCode   ExecutionStatus = "ANALYZING_CODE"
	StatusCallingLLM      ExecutionStatus = "CALLING_LLM"
	StatusApplyingChanges ExecutionStatus = "APPLYING_CHANGES"
	StatusCommitting      ExecutionStatus = "COMMITTING"
	StatusCompleted       ExecutionStatus = "COMPLETED"
	StatusFailed          ExecutionStatus = "FAILED"
)

// Progression lists the non-terminal statuses in the order the engine moves
// through them.
var Progression = []ExecutionStatus{
	StatusCreated,
	StatusCloningRepo,
	StatusAnalyzingCode,
	StatusCallingLLM,
	StatusApplyingChanges,
	StatusCommitting,
}

// legacyStatuses maps spellings used by older engine builds onto the
// canonical set.
var legacyStatuses = map[string]ExecutionStatus{
	"RUNNING":     StatusCallingLLM,
	"PENDING":     StatusCreated,
	"IN_PROGRESS": StatusCallingLLM,
	"SUCCESS":     StatusCompleted,
	"SUCCEEDED":   StatusCompleted,
	"DONE":        StatusCompleted,
	"ERROR":       StatusFailed,
}

// ParseStatus normalizes a wire value. Unknown values yield StatusCreated and
// an error wrapping ErrUnknownStatus.
func ParseStatus(s string) (ExecutionStatus, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	switch st := ExecutionStatus(v); st {
	case StatusCreated, StatusCloningRepo, StatusAnalyzingCode, StatusCallingLLM,
		StatusApplyingChanges, StatusCommitting, StatusCompleted, StatusFailed:
		return st, nil
	}
	if st, ok := legacyStatuses[v]; ok {
		return st, nil
	}
	return StatusCreated, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank is the progress ordinal of the status. Both terminal statuses share
// the highest rank.
func (s ExecutionStatus) Rank() int {
	if s.IsTerminal() {
		return len(Progression)
	}
	for i, st := range Progression {
		if st == s {
			return i
		}
	}
	return 0
}

// Label is the lower-case, space separated form used in the UI.
func (s ExecutionStatus) Label() string {
	return strings.ToLower(strings.ReplaceAll(string(s), "_", " "))
}

// UnmarshalJSON is lenient: unknown values decode to StatusCreated so a
// single odd record never fails a whole history page.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, _ := ParseStatus(raw)
	*s = st
	return nil
}
