package tool

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContractVersion identifies the envelope shape tools return.
const ContractVersion = "2.0"

// DefaultDataSchemaVersion is stamped when a handler does not declare one.
const DefaultDataSchemaVersion = "v1"

// ResultKind tags the shape of the envelope payload.
type ResultKind string

const (
	KindIDList     ResultKind = "id_list"
	KindRecordList ResultKind = "record_list"
	KindDocument   ResultKind = "document"
	KindAggregate  ResultKind = "aggregate"
	KindStatus     ResultKind = "status"
)

// Lineage is the (thread, run, tool_use) triple stamped on every envelope and
// every artifact written for a tool invocation.
type Lineage struct {
	ThreadID  string `json:"thread_id"`
	RunID     string `json:"run_id"`
	ToolUseID string `json:"tool_use_id"`
}

// Auth records whether a source requires credentials and whether they are set.
type Auth struct {
	Required   bool `json:"required"`
	Configured bool `json:"configured"`
}

// SourceMeta carries provenance for the envelope payload.
type SourceMeta struct {
	Source            string  `json:"source"`
	RequestID         string  `json:"request_id,omitempty"`
	RetrievedAt       string  `json:"retrieved_at"`
	DataSchemaVersion string  `json:"data_schema_version"`
	Auth              Auth    `json:"auth"`
	Lineage           Lineage `json:"lineage"`
}

// Pagination signals that more results are available upstream.
type Pagination struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

// Citation points at a source record backing part of the payload.
type Citation struct {
	Source string `json:"source"`
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Artifact describes a file a handler persisted alongside its result.
type Artifact struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	MediaType string `json:"media_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
}

// ErrorPayload is the rendered form of an ExecError inside an error envelope.
type ErrorPayload struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Envelope is the invariant shape every tool returns to the model.
// Non-conforming handler returns are coerced into it by Normalize.
type Envelope struct {
	ContractVersion string        `json:"contract_version"`
	Status          string        `json:"status"` // "ok" | "error"
	ResultKind      ResultKind    `json:"result_kind"`
	Summary         string        `json:"summary"`
	Data            any           `json:"data,omitempty"`
	IDs             []string      `json:"ids,omitempty"`
	Citations       []Citation    `json:"citations,omitempty"`
	Warnings        []string      `json:"warnings,omitempty"`
	Artifacts       []Artifact    `json:"artifacts,omitempty"`
	Pagination      *Pagination   `json:"pagination,omitempty"`
	SourceMeta      SourceMeta    `json:"source_meta"`
	Error           *ErrorPayload `json:"error,omitempty"`
}

// timeNow is swapped in tests for byte-stable envelopes.
var timeNow = time.Now

// MakeParams bundles the optional fields of Make.
type MakeParams struct {
	Data       any
	IDs        []string
	Citations  []Citation
	Warnings   []string
	Artifacts  []Artifact
	Pagination *Pagination
	Auth       Auth
	RequestID  string
}

// Make builds a well-formed ok envelope.
func Make(source, summary string, kind ResultKind, lin Lineage, p MakeParams) Envelope {
	env := Envelope{
		ContractVersion: ContractVersion,
		Status:          "ok",
		ResultKind:      kind,
		Summary:         summary,
		Data:            p.Data,
		IDs:             p.IDs,
		Citations:       p.Citations,
		Warnings:        p.Warnings,
		Artifacts:       p.Artifacts,
		Pagination:      p.Pagination,
		SourceMeta: SourceMeta{
			Source:            source,
			RequestID:         p.RequestID,
			RetrievedAt:       timeNow().UTC().Format(time.RFC3339),
			DataSchemaVersion: DefaultDataSchemaVersion,
			Auth:              p.Auth,
			Lineage:           lin,
		},
	}
	return env
}

// Normalize coerces any handler return value into the contract envelope.
// Values already satisfying the contract are passed through with missing
// metadata stamped (retrieved_at, source, data_schema_version, lineage).
// Normalize is idempotent: re-normalizing an envelope yields the same envelope.
func Normalize(v any, source string, lin Lineage) Envelope {
	switch out := v.(type) {
	case Envelope:
		return stamp(out, source, lin)
	case *Envelope:
		if out != nil {
			return stamp(*out, source, lin)
		}
	case map[string]any:
		if _, ok := out["contract_version"]; ok {
			var env Envelope
			if b, err := json.Marshal(out); err == nil && json.Unmarshal(b, &env) == nil {
				return stamp(env, source, lin)
			}
		}
	}
	env := Make(source, bestEffortSummary(v), kindOf(v), lin, MakeParams{Data: v})
	return env
}

// ErrorEnvelope renders a typed execution error as a status=error envelope.
func ErrorEnvelope(source string, lin Lineage, execErr *ExecError) Envelope {
	env := Make(source, fmt.Sprintf("%s: %s", execErr.Code, execErr.Message), KindStatus, lin, MakeParams{})
	env.Status = "error"
	env.Error = &ErrorPayload{
		Code:      execErr.Code,
		Message:   execErr.Message,
		Retryable: execErr.Retryable,
		Details:   execErr.Details,
	}
	return env
}

// stamp fills metadata a handler-built envelope left empty.
func stamp(env Envelope, source string, lin Lineage) Envelope {
	if env.ContractVersion == "" {
		env.ContractVersion = ContractVersion
	}
	if env.Status == "" {
		env.Status = "ok"
	}
	if env.ResultKind == "" {
		env.ResultKind = KindStatus
	}
	if env.SourceMeta.Source == "" {
		env.SourceMeta.Source = source
	}
	if env.SourceMeta.RetrievedAt == "" {
		env.SourceMeta.RetrievedAt = timeNow().UTC().Format(time.RFC3339)
	}
	if env.SourceMeta.DataSchemaVersion == "" {
		env.SourceMeta.DataSchemaVersion = DefaultDataSchemaVersion
	}
	if env.SourceMeta.Lineage == (Lineage{}) {
		env.SourceMeta.Lineage = lin
	}
	return env
}

// kindOf guesses a result kind for raw handler returns.
func kindOf(v any) ResultKind {
	switch v.(type) {
	case []string:
		return KindIDList
	case []any:
		return KindRecordList
	case string:
		return KindDocument
	case map[string]any:
		return KindAggregate
	default:
		return KindStatus
	}
}

// bestEffortSummary produces a one-line summary for raw handler returns.
func bestEffortSummary(v any) string {
	switch out := v.(type) {
	case nil:
		return "empty result"
	case string:
		if len(out) > 120 {
			return out[:117] + "..."
		}
		return out
	case []string:
		return fmt.Sprintf("%d identifiers", len(out))
	case []any:
		return fmt.Sprintf("%d records", len(out))
	case map[string]any:
		return fmt.Sprintf("aggregate with %d fields", len(out))
	default:
		return fmt.Sprintf("result of type %T", v)
	}
}
