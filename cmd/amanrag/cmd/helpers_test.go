package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"AMANRAG_RERANK_ENABLED", "AMANRAG_RERANK_TOP_K", "AMANRAG_RERANK_ENDPOINT",
	"AMANRAG_EMBEDDING_PROVIDER", "AMANRAG_EMBEDDING_MODEL", "AMANRAG_EMBEDDING_ENDPOINT",
	"AMANRAG_EMBEDDING_DIMENSIONS", "OPENAI_API_KEY",
	"AMANRAG_VECTOR_BACKEND", "AMANRAG_POSTGRES_DSN", "AMANRAG_LEXICAL_BACKEND",
	"AMANRAG_CORPUS_PATH", "AMANRAG_CORPUS_SQLITE_PATH",
	"AMANRAG_RRF_CONSTANT", "AMANRAG_SERVER_PORT", "AMANRAG_LOG_LEVEL",
	"AMANRAG_TELEMETRY_SQLITE_PATH",
}

const corpusSnapshot = `{"content":"To reset your password open Settings and choose Security.","metadata":{"doc_id":"faq","chunk_index":0}}
{"content":"Invoices are emailed on the first day of each month.","metadata":{"doc_id":"billing","chunk_index":0}}
{"content":"Password rules require twelve characters and one digit.","metadata":{"doc_id":"faq","chunk_index":1}}
`

// isolate gives the test an empty home, user config dir and working
// directory, and clears environment overrides.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

// writeProject writes a snapshot corpus and an amanrag.yaml pointing at it.
func writeProject(t *testing.T, dir, extra string) {
	t.Helper()
	snapshot := filepath.Join(dir, "corpus.jsonl")
	require.NoError(t, os.WriteFile(snapshot, []byte(corpusSnapshot), 0o644))

	cfg := "corpus:\n  path: " + snapshot + "\n" +
		"embedding:\n  provider: static\n  dimensions: 64\n" +
		"telemetry:\n  enabled: false\n" + extra
	require.NoError(t, os.WriteFile(filepath.Join(dir, "amanrag.yaml"), []byte(cfg), 0o644))
}

// run executes the root command with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
