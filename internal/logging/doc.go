// Package logging configures structured slog output for amanrag.
//
// Server and CLI modes log JSON to stderr and, when a log file is configured,
// to a size-rotated file under ~/.amanrag/logs/. MCP mode never touches
// stdout or stderr because stdio carries the JSON-RPC stream.
package logging
