package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Record is one line of a corpus snapshot: a chunk plus its precomputed embedding.
// Snapshots are produced by the ingestion pipeline; this package only reads them.
type Record struct {
	Chunk
	Embedding []float32 `json:"embedding,omitempty"`
}

// maxSnapshotLine bounds a single JSONL line (content plus a large embedding).
const maxSnapshotLine = 16 * 1024 * 1024

// LoadSnapshot reads a JSONL snapshot file.
func LoadSnapshot(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadSnapshot(f)
}

// ReadSnapshot decodes JSONL records. Blank lines are skipped, records with
// empty content are rejected. Legacy ingest keys (chunk_idx, chunk_hash) are
// mapped onto chunk_index and content_hash.
func ReadSnapshot(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSnapshotLine)

	var records []Record
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("snapshot line %d: %w", line, err)
		}
		if rec.Content == "" {
			return nil, fmt.Errorf("snapshot line %d: empty content", line)
		}
		rec.Metadata = normalizeLegacyMetadata(rec.Metadata)
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return records, nil
}

func normalizeLegacyMetadata(md Metadata) Metadata {
	if md == nil {
		md = Metadata{}
	}
	if _, ok := md[MetaChunkIndex]; !ok {
		if v, ok := md["chunk_idx"]; ok {
			md[MetaChunkIndex] = v
		}
	}
	if _, ok := md[MetaContentHash]; !ok {
		if v, ok := md["chunk_hash"]; ok {
			md[MetaContentHash] = v
		}
	}
	return md
}

// Chunks returns the chunk part of each record.
func Chunks(records []Record) []Chunk {
	out := make([]Chunk, len(records))
	for i, r := range records {
		out[i] = r.Chunk
	}
	return out
}
