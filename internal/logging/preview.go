package logging

// PreviewLength is the number of runes of a query or passage kept in log lines.
const PreviewLength = 80

// Preview returns at most n runes of s, with "..." appended when s was cut.
// n <= 0 returns s unchanged.
func Preview(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "..."
		}
		count++
	}
	return s
}
