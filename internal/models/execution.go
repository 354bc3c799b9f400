package models

import "time"

type Execution struct {
	ID                 int64           `json:"id"`
	TenantID           int64           `json:"tenantId"`
	ProjectID          int64           `json:"projectId"`
	UserID             int64           `json:"userId"`
	Prompt             string          `json:"prompt"`
	LLMResponseSummary *string         `json:"llmResponseSummary"`
	GitRepoURL         *string         `json:"gitRepoUrl"`
	BaseBranch         string          `json:"baseBranch"`
	ExecutionBranch    string          `json:"executionBranch"`
	Status             ExecutionStatus `json:"status"`
	ErrorMessage       *string         `json:"errorMessage"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Summary returns the response summary or "" when the engine has not
// produced one.
func (e *Execution) Summary() string {
	if e.LLMResponseSummary == nil {
		return ""
	}
	return *e.LLMResponseSummary
}

func (e *Execution) ErrorText() string {
	if e.ErrorMessage == nil {
		return ""
	}
	return *e.ErrorMessage
}

// ExecutionPage is the server pagination envelope. Content is newest-first.
type ExecutionPage struct {
	TotalElements    int64       `json:"totalElements"`
	NumberOfElements int         `json:"numberOfElements"`
	TotalPages       int         `json:"totalPages"`
	Offset           int64       `json:"offset"`
	PageNumber       int         `json:"pageNumber"`
	PageSize         int         `json:"pageSize"`
	Content          []Execution `json:"content"`
}

func (p *ExecutionPage) HasNext() bool {
	return p.PageNumber+1 < p.TotalPages
}

type CreateExecutionRequest struct {
	ProjectID int64  `json:"projectId"`
	Prompt    string `json:"prompt"`
}

// StreamMessage is one live payload received for an in-flight execution.
// It only exists client-side while the stream is open.
type StreamMessage struct {
	ID          string
	ExecutionID int64
	Message     string
	Timestamp   time.Time
}
