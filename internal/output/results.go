package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/Aman-CERP/amanrag/internal/logging"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// ResultPreviewChars bounds the passage text printed per result.
const ResultPreviewChars = 240

// Results prints a ranked retrieval result.
func (w *Writer) Results(res *search.Result) {
	if res == nil {
		return
	}

	w.Header(fmt.Sprintf("%d results for %q", len(res.Chunks), res.Query))
	w.summary(res)
	w.Newline()

	if len(res.Chunks) == 0 {
		w.Status("", w.styles.Dim.Render("no matching chunks"))
		return
	}

	for i, c := range res.Chunks {
		w.scoredChunk(i+1, c)
	}
}

func (w *Writer) summary(res *search.Result) {
	methods := make([]string, 0, len(res.Methods))
	for _, m := range res.Methods {
		methods = append(methods, string(m))
	}

	line := fmt.Sprintf("methods=%s total=%s", strings.Join(methods, ","), formatDuration(res.Timings.Total))
	if res.Reranked {
		line += " reranked"
	}
	w.Status("", w.styles.Dim.Render(line))

	if res.Degraded {
		w.Warning("degraded: only one search leg returned results")
	}
	if res.RerankFailed {
		w.Warning("reranking failed; showing fused ranking")
	}
}

func (w *Writer) scoredChunk(rank int, c store.ScoredChunk) {
	_, _ = fmt.Fprintf(w.out, "%s %s %s %s\n",
		w.styles.Rank.Render(fmt.Sprintf("%2d.", rank)),
		w.styles.Score.Render(fmt.Sprintf("%.4f", c.Score)),
		w.styles.Method.Render(string(c.Method)),
		w.styles.Label.Render(chunkLocation(c.Chunk)))

	preview := logging.Preview(collapseWhitespace(c.Content), ResultPreviewChars)
	_, _ = fmt.Fprintf(w.out, "    %s\n", preview)
}

// Trace prints what each retrieval stage produced.
func (w *Writer) Trace(trace *search.RetrievalTrace) {
	if trace == nil {
		return
	}

	w.Header("Retrieval trace")
	w.KeyValue("request", trace.RequestID)
	w.KeyValue("normalized query", trace.NormalizedQuery)
	w.KeyValue("states", joinStates(trace.States))
	for leg, msg := range trace.LegErrors {
		w.Warningf("%s leg failed: %s", leg, msg)
	}

	w.traceSection("vector hits", trace.VectorHits)
	w.traceSection("lexical hits", trace.LexicalHits)
	w.traceSection("fused", trace.Fused)
	if len(trace.Reranked) > 0 {
		w.traceSection("reranked", trace.Reranked)
	}

	w.Newline()
	w.Header("Timings")
	t := trace.Timings
	w.KeyValue("embedding", formatDuration(t.Embedding))
	w.KeyValue("vector", formatDuration(t.Vector))
	w.KeyValue("lexical", formatDuration(t.Lexical))
	w.KeyValue("fusion", formatDuration(t.Fusion))
	w.KeyValue("rerank", formatDuration(t.Rerank))
	w.KeyValue("total", formatDuration(t.Total))
}

func (w *Writer) traceSection(title string, hits []search.TraceHit) {
	w.Newline()
	w.Header(fmt.Sprintf("%s (%d)", title, len(hits)))
	for _, h := range hits {
		ranks := ""
		if len(h.Ranks) > 0 {
			ranks = " ranks=" + formatRanks(h.Ranks)
		}
		_, _ = fmt.Fprintf(w.out, "  %s %s%s  %s\n",
			w.styles.Rank.Render(fmt.Sprintf("%2d.", h.Rank+1)),
			w.styles.Score.Render(fmt.Sprintf("%.4f", h.Score)),
			w.styles.Dim.Render(ranks),
			logging.Preview(collapseWhitespace(h.Content), logging.PreviewLength))
	}
}

func chunkLocation(c store.Chunk) string {
	doc := c.DocID()
	if doc == "" {
		return ""
	}
	if idx := c.ChunkIndex(); idx >= 0 {
		return fmt.Sprintf("%s#%d", doc, idx)
	}
	return doc
}

func joinStates(states []search.State) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, " → ")
}

func formatRanks(ranks []int) string {
	parts := make([]string, len(ranks))
	for i, r := range ranks {
		if r < 0 {
			parts[i] = "-"
		} else {
			parts[i] = fmt.Sprint(r)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Millisecond {
		return d.Round(time.Microsecond).String()
	}
	return d.Round(100 * time.Microsecond).String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
