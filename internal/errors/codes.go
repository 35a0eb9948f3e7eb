// Package errors provides structured error handling for amanrag.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Request and configuration errors
//   - 3XX: Retrieval pipeline errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryValidation indicates invalid caller input.
	CategoryValidation Category = "VALIDATION"
	// CategoryRetrieval indicates a failure inside the retrieval pipeline.
	CategoryRetrieval Category = "RETRIEVAL"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal means the request cannot be answered.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates the operation failed.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Stage names a point in the retrieval pipeline where an error was raised.
type Stage string

const (
	StageInit    Stage = "init"
	StageEmbed   Stage = "embed"
	StageVector  Stage = "vector"
	StageLexical Stage = "lexical"
	StageFanout  Stage = "fanout"
	StageFuse    Stage = "fuse"
	StageRerank  Stage = "rerank"
)

// Error codes organized by category.
const (
	// Request / config errors (100-199)
	ErrCodeInvalidRequest   = "ERR_101_INVALID_REQUEST"
	ErrCodeConfigInvalid    = "ERR_102_CONFIG_INVALID"
	ErrCodeConfigLoadFailed = "ERR_103_CONFIG_LOAD_FAILED"

	// Retrieval errors (300-399)
	ErrCodeEmbeddingUnavailable = "ERR_301_EMBEDDING_UNAVAILABLE"
	ErrCodeIndexUnavailable     = "ERR_302_INDEX_UNAVAILABLE"
	ErrCodeRetrievalUnavailable = "ERR_303_RETRIEVAL_UNAVAILABLE"
	ErrCodeRerankFailed         = "ERR_304_RERANK_FAILED"

	// Internal errors (500-599)
	ErrCodeInternal = "ERR_501_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		if code == ErrCodeInvalidRequest {
			return CategoryValidation
		}
		return CategoryConfig
	case '3':
		return CategoryRetrieval
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeRetrievalUnavailable:
		return SeverityFatal
	case ErrCodeIndexUnavailable, ErrCodeRerankFailed, ErrCodeEmbeddingUnavailable:
		// Each of these only removes one contributor from the pipeline.
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode reports whether a caller may reasonably try again later.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeEmbeddingUnavailable, ErrCodeIndexUnavailable, ErrCodeRetrievalUnavailable:
		return true
	default:
		return false
	}
}
