package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("connection refused")

	// When: wrapping it as an index failure
	err := IndexUnavailable(StageVector, originalErr)

	// Then: unwrapping returns original error
	require.NotNil(t, err)
	assert.Equal(t, originalErr, errors.Unwrap(err))
	assert.True(t, errors.Is(err, originalErr))
}

func TestError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "no cause",
			err:      InvalidRequest("query is required"),
			expected: "[ERR_101_INVALID_REQUEST] query is required",
		},
		{
			name:     "with cause",
			err:      IndexUnavailable(StageLexical, errors.New("scan failed")),
			expected: "[ERR_302_INDEX_UNAVAILABLE] lexical index unavailable: scan failed",
		},
		{
			name:     "wrapped message equals cause",
			err:      Wrap(ErrCodeInternal, errors.New("boom")),
			expected: "[ERR_501_INTERNAL] boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestError_Is_MatchesSentinelByCode(t *testing.T) {
	// Given: an error wrapped inside fmt.Errorf
	err := fmt.Errorf("vector leg: %w", IndexUnavailable(StageVector, errors.New("timeout")))

	// Then: it matches the sentinel but not other codes
	assert.True(t, errors.Is(err, ErrIndexUnavailable))
	assert.False(t, errors.Is(err, ErrRetrievalUnavailable))
	assert.True(t, IsCode(err, ErrCodeIndexUnavailable))
}

func TestError_Taxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		severity  Severity
		retryable bool
		stage     Stage
		category  Category
	}{
		{"embedding", EmbeddingUnavailable(nil), SeverityWarning, true, StageEmbed, CategoryRetrieval},
		{"index", IndexUnavailable(StageLexical, nil), SeverityWarning, true, StageLexical, CategoryRetrieval},
		{"retrieval", RetrievalUnavailable(nil), SeverityFatal, true, StageFanout, CategoryRetrieval},
		{"rerank", RerankFailed(nil), SeverityWarning, false, StageRerank, CategoryRetrieval},
		{"invalid request", InvalidRequest("bad"), SeverityError, false, "", CategoryValidation},
		{"config", ConfigError("bad", nil), SeverityError, false, "", CategoryConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.severity, tt.err.Severity)
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.stage, GetStage(tt.err))
			assert.Equal(t, tt.category, tt.err.Category)
		})
	}
}

func TestIsFatal_OnlyRetrievalUnavailable(t *testing.T) {
	assert.True(t, IsFatal(RetrievalUnavailable(errors.New("both legs failed"))))
	assert.False(t, IsFatal(IndexUnavailable(StageVector, nil)))
	assert.False(t, IsFatal(errors.New("plain")))
	assert.False(t, IsFatal(nil))
}

func TestGetCode_NonStructuredError(t *testing.T) {
	assert.Equal(t, "", GetCode(errors.New("plain")))
	assert.Equal(t, ErrCodeRerankFailed, GetCode(fmt.Errorf("x: %w", RerankFailed(nil))))
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestError_WithDetail_AddsContext(t *testing.T) {
	// Given: a base error
	err := IndexUnavailable(StageVector, nil)

	// When: adding details
	err.WithDetail("backend", "hnsw").WithDetail("k", "12")

	// Then: details are present and show up in log attributes
	assert.Equal(t, "hnsw", err.Details["backend"])
	assert.Len(t, LogAttrs(err), 3+1+2)
}

func TestFormatForCLI(t *testing.T) {
	out := FormatForCLI(RetrievalUnavailable(errors.New("deadline exceeded")))

	assert.Contains(t, out, "Error: retrieval unavailable")
	assert.Contains(t, out, "Cause: deadline exceeded")
	assert.Contains(t, out, "Stage: fanout")
	assert.Contains(t, out, "Code: ERR_303_RETRIEVAL_UNAVAILABLE")

	assert.Contains(t, FormatForCLI(errors.New("plain")), "Code: ERR_501_INTERNAL")
	assert.Empty(t, FormatForCLI(nil))
}
