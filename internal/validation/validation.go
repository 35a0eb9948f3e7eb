// Package validation runs golden retrieval queries against an engine and
// reports how well it ranks the chunks each query is known to need.
//
// Query sets are data-driven YAML, so they can be edited without a rebuild:
//
//	tier1:
//	  - id: T1-Q1
//	    name: password reset
//	    query: how do I reset my password
//	    expected: [faq]          # doc_id, or doc_id#chunk_index
//	tier2:
//	  - ...
//	negative:
//	  - id: N-Q1
//	    query: "   "
//
// Tier 1 queries must pass; tier 2 track harder cases. Negative queries only
// need to finish without an unexpected error.
package validation

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// DefaultK is the result depth a query is judged at when it sets none.
const DefaultK = 10

// QuerySpec defines a test query with expected results.
type QuerySpec struct {
	ID       string         `yaml:"id" json:"id"`
	Name     string         `yaml:"name" json:"name"`
	Query    string         `yaml:"query" json:"query"`
	K        int            `yaml:"k" json:"k,omitempty"`
	Filters  map[string]any `yaml:"filters" json:"filters,omitempty"`
	Expected []string       `yaml:"expected" json:"expected,omitempty"`
	Notes    string         `yaml:"notes" json:"notes,omitempty"`
	Tier     int            `yaml:"-" json:"tier"`
}

// QuerySet holds all validation queries loaded from YAML.
type QuerySet struct {
	Tier1    []QuerySpec `yaml:"tier1"`
	Tier2    []QuerySpec `yaml:"tier2"`
	Negative []QuerySpec `yaml:"negative"`
}

// Len returns the number of queries in the set.
func (s *QuerySet) Len() int {
	return len(s.Tier1) + len(s.Tier2) + len(s.Negative)
}

// LoadQuerySet reads a query set file.
func LoadQuerySet(path string) (*QuerySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queries file %s: %w", path, err)
	}
	return ParseQuerySet(data)
}

// ParseQuerySet decodes a query set and assigns tiers by section.
func ParseQuerySet(data []byte) (*QuerySet, error) {
	var set QuerySet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse queries YAML: %w", err)
	}

	for i := range set.Tier1 {
		set.Tier1[i].Tier = 1
	}
	for i := range set.Tier2 {
		set.Tier2[i].Tier = 2
	}
	for i := range set.Negative {
		set.Negative[i].Tier = 0
	}

	for _, specs := range [][]QuerySpec{set.Tier1, set.Tier2} {
		for _, spec := range specs {
			if len(spec.Expected) == 0 {
				return nil, fmt.Errorf("query %s: expected is required outside the negative section", spec.ID)
			}
		}
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("query set is empty")
	}
	return &set, nil
}

// TestResult captures the outcome of a single query.
type TestResult struct {
	Spec       QuerySpec `json:"spec"`
	Passed     bool      `json:"passed"`
	DurationMs float64   `json:"duration_ms"`
	// TopResults are the returned chunk locations (doc_id#chunk_index).
	TopResults []string `json:"top_results"`
	// MatchedAt is the 0-based rank of the first expected chunk, -1 if absent.
	MatchedAt int    `json:"matched_at"`
	Degraded  bool   `json:"degraded,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TierSummary counts passes in one section.
type TierSummary struct {
	Pass  int `json:"pass"`
	Total int `json:"total"`
}

// Rate returns the pass rate in percent, 100 for an empty tier.
func (s TierSummary) Rate() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Pass) / float64(s.Total) * 100
}

func (s *TierSummary) add(r TestResult) {
	s.Total++
	if r.Passed {
		s.Pass++
	}
}

// Report captures the results of a full validation run.
type Report struct {
	Timestamp time.Time    `json:"timestamp"`
	Tier1     []TestResult `json:"tier1"`
	Tier2     []TestResult `json:"tier2"`
	Negative  []TestResult `json:"negative"`

	Tier1Summary    TierSummary `json:"tier1_summary"`
	Tier2Summary    TierSummary `json:"tier2_summary"`
	NegativeSummary TierSummary `json:"negative_summary"`

	// MRR is the mean reciprocal rank of the first expected chunk over
	// tier 1 and tier 2 queries (0 for a miss).
	MRR float64 `json:"mrr"`
}

// Retriever is the engine surface the validator needs.
type Retriever interface {
	Retrieve(ctx context.Context, req search.Request) (*search.Result, error)
}

// Validator runs query specs against a retriever.
type Validator struct {
	retriever Retriever
}

// New creates a validator.
func New(retriever Retriever) *Validator {
	return &Validator{retriever: retriever}
}

// RunQuery executes a single query and judges the result.
func (v *Validator) RunQuery(ctx context.Context, spec QuerySpec) TestResult {
	result := TestResult{
		Spec:      spec,
		MatchedAt: -1,
	}

	k := spec.K
	if k <= 0 {
		k = DefaultK
	}

	start := time.Now()
	res, err := v.retriever.Retrieve(ctx, search.Request{
		Query:   spec.Query,
		K:       k,
		Filters: store.Filters(spec.Filters),
	})
	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		result.Error = err.Error()
		// A negative query may be rejected, but must not break the engine.
		result.Passed = spec.Tier == 0 && amerrors.IsCode(err, amerrors.ErrCodeInvalidRequest)
		return result
	}

	result.Degraded = res.Degraded
	result.TopResults = make([]string, len(res.Chunks))
	for i, c := range res.Chunks {
		result.TopResults[i] = location(c.Chunk)
	}

	if len(spec.Expected) == 0 {
		result.Passed = true
		return result
	}
	result.MatchedAt = firstMatch(res.Chunks, spec.Expected)
	result.Passed = result.MatchedAt >= 0
	return result
}

// RunAll executes every query in set.
func (v *Validator) RunAll(ctx context.Context, set *QuerySet) *Report {
	report := &Report{Timestamp: time.Now()}

	var rrSum float64
	var judged int
	run := func(specs []QuerySpec, results *[]TestResult, summary *TierSummary) {
		for _, spec := range specs {
			tr := v.RunQuery(ctx, spec)
			*results = append(*results, tr)
			summary.add(tr)
			if spec.Tier > 0 {
				judged++
				if tr.MatchedAt >= 0 {
					rrSum += 1 / float64(tr.MatchedAt+1)
				}
			}
		}
	}

	run(set.Tier1, &report.Tier1, &report.Tier1Summary)
	run(set.Tier2, &report.Tier2, &report.Tier2Summary)
	run(set.Negative, &report.Negative, &report.NegativeSummary)

	if judged > 0 {
		report.MRR = rrSum / float64(judged)
	}
	return report
}

// location renders a chunk as doc_id#chunk_index, or doc_id alone.
func location(c store.Chunk) string {
	doc := c.DocID()
	if idx := c.ChunkIndex(); idx >= 0 {
		return doc + "#" + strconv.Itoa(idx)
	}
	return doc
}

// firstMatch returns the rank of the first chunk whose doc_id or
// doc_id#chunk_index equals an expected entry.
func firstMatch(chunks []store.ScoredChunk, expected []string) int {
	for i, c := range chunks {
		doc := c.DocID()
		loc := location(c.Chunk)
		for _, exp := range expected {
			if exp == doc || exp == loc {
				return i
			}
		}
	}
	return -1
}
