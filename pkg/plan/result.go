package plan

import (
	"path/filepath"
	"strings"
)

// StepStatus is the terminal state of one executed step.
type StepStatus string

const (
	StatusSuccess   StepStatus = "success"
	StatusError     StepStatus = "error"
	StatusSkipped   StepStatus = "skipped"
	StatusCancelled StepStatus = "cancelled"
)

// ErrorKind is the closed set of kernel error classifications. The state
// machine, not the failing component, decides how each kind is handled.
type ErrorKind string

const (
	ErrPlannerUnparseable    ErrorKind = "planner_unparseable"
	ErrPlanStructuralInvalid ErrorKind = "plan_structural_invalid"
	ErrToolNotFound          ErrorKind = "tool_not_found"
	ErrToolInvocation        ErrorKind = "tool_invocation_error"
	ErrToolTimeout           ErrorKind = "tool_timeout"
	ErrReferenceUnresolved   ErrorKind = "reference_unresolved"
	ErrDependencyFailed      ErrorKind = "dependency_failed"
	ErrVerifierFail          ErrorKind = "verifier_fail"
	ErrCommitmentUnfulfilled ErrorKind = "commitment_unfulfilled"
	ErrCancelled             ErrorKind = "cancelled"
	ErrUnrecoverable         ErrorKind = "unrecoverable"
)

// RetryHint reports whether a step that failed with this kind is worth
// retrying as-is (as opposed to replanning around it).
func (k ErrorKind) RetryHint() bool {
	return k == ErrToolTimeout
}

// FileRef is an absolute path plus an inferred kind, used for attachment
// tracking and commitment verification.
type FileRef struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
}

// NewFileRef builds a FileRef with the kind inferred from the extension.
func NewFileRef(path string) FileRef {
	return FileRef{Path: path, Kind: inferKind(path)}
}

func inferKind(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".key":
		return "keynote"
	case ".pages":
		return "pages"
	case ".pdf":
		return "pdf"
	case ".md", ".markdown":
		return "markdown"
	case ".txt":
		return "text"
	case ".csv":
		return "csv"
	case ".png", ".jpg", ".jpeg", ".gif", ".heic":
		return "image"
	case ".mp3", ".m4a", ".wav":
		return "audio"
	case ".html", ".htm":
		return "html"
	default:
		return "file"
	}
}

// StepResult is the structured outcome of one step. Success carries a value
// map that downstream references resolve against; failure carries an error
// kind plus message. Results are data: tools never decide retry policy.
type StepResult struct {
	Status       StepStatus             `json:"status"`
	Value        map[string]interface{} `json:"value,omitempty"`
	ErrorKind    ErrorKind              `json:"error_kind,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Attachments  []FileRef              `json:"attachments,omitempty"`

	// RetryAfterSeconds carries a rate-limit hint from the tool, honored by
	// the executor before a retry.
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

// Success builds a successful result around a value map.
func Success(value map[string]interface{}) *StepResult {
	if value == nil {
		value = map[string]interface{}{}
	}
	return &StepResult{Status: StatusSuccess, Value: value}
}

// Failure builds an error result with the given kind and message.
func Failure(kind ErrorKind, message string) *StepResult {
	return &StepResult{Status: StatusError, ErrorKind: kind, ErrorMessage: message}
}

// Skipped builds a result for a step whose dependency closure failed.
func Skipped(message string) *StepResult {
	return &StepResult{Status: StatusSkipped, ErrorKind: ErrDependencyFailed, ErrorMessage: message}
}

// Cancelled builds a result for a step that never ran because the interaction
// was cancelled.
func Cancelled() *StepResult {
	return &StepResult{Status: StatusCancelled, ErrorKind: ErrCancelled}
}

// attachmentFields are the result fields the kernel scans for produced files.
var attachmentFields = []string{"file_path", "keynote_path", "pages_path", "report_path"}

// ExtractAttachments pulls file references out of a result's well-known
// fields: the scalar path fields plus every "path" entry under "file_list".
func (r *StepResult) ExtractAttachments() []FileRef {
	if r == nil || r.Value == nil {
		return nil
	}
	var refs []FileRef
	for _, field := range attachmentFields {
		if path, ok := r.Value[field].(string); ok && path != "" {
			refs = append(refs, NewFileRef(path))
		}
	}
	if list, ok := r.Value["file_list"].([]interface{}); ok {
		for _, item := range list {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if path, ok := entry["path"].(string); ok && path != "" {
				refs = append(refs, NewFileRef(path))
			}
		}
	}
	return refs
}

// InteractionStatus is the terminal state of a whole interaction.
type InteractionStatus string

const (
	InteractionSuccess        InteractionStatus = "success"
	InteractionPartialSuccess InteractionStatus = "partial_success"
	InteractionError          InteractionStatus = "error"
	InteractionCancelled      InteractionStatus = "cancelled"
)
