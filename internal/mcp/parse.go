package mcp

import (
	"regexp"
	"strings"
	"time"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// listEntry is one parsed line of `<tool> mcp list` output.
type listEntry struct {
	name      string
	spec      string
	connected bool
	raw       string
}

// parseList parses the line-oriented `mcp list` output shared by the CLI
// tools: `name: command-or-url [(TRANSPORT)] - ✓ Connected` per server,
// headers and blank lines in between.
func parseList(out string) []listEntry {
	var entries []listEntry
	for _, line := range strings.Split(stripANSI(out), "\n") {
		line = strings.TrimSpace(line)
		name, rest, ok := strings.Cut(line, ": ")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			continue
		}
		idx := strings.LastIndex(rest, " - ")
		if idx < 0 {
			continue
		}
		// Only lines carrying a health marker are server entries; prose and
		// hints never have one.
		status := rest[idx+3:]
		if !strings.Contains(status, "Connect") &&
			!strings.Contains(status, "✓") && !strings.Contains(status, "✗") {
			continue
		}
		spec := strings.TrimSpace(rest[:idx])
		if spec == "" {
			continue
		}
		connected := strings.Contains(status, "✓") ||
			(strings.Contains(status, "Connected") && !strings.Contains(status, "Failed"))
		entries = append(entries, listEntry{name: name, spec: spec, connected: connected, raw: line})
	}
	return entries
}

// listIsEmpty reports whether the output explicitly declares an empty
// configuration, as opposed to being truncated mid-write.
func listIsEmpty(out string) bool {
	lower := strings.ToLower(stripANSI(out))
	return strings.Contains(lower, "no mcp servers") ||
		strings.TrimSpace(lower) == ""
}

// entryServer converts a parsed list line into a Server record.
func entryServer(tool string, e listEntry) Server {
	now := time.Now()
	srv := Server{
		ID:           tool + "/" + e.name,
		Name:         e.name,
		Enabled:      true,
		Status:       StatusFailed,
		OriginalJSON: e.raw,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if e.connected {
		srv.Status = StatusConnected
	}

	spec := e.spec
	switch {
	case strings.Contains(spec, "(SSE)"):
		srv.Transport = TransportSSE
		srv.URL = firstField(strings.ReplaceAll(spec, "(SSE)", ""))
	case strings.Contains(spec, "(HTTP)"):
		srv.Transport = TransportHTTP
		srv.URL = firstField(strings.ReplaceAll(spec, "(HTTP)", ""))
	case strings.HasPrefix(spec, "http://"), strings.HasPrefix(spec, "https://"):
		srv.Transport = TransportHTTP
		srv.URL = firstField(spec)
	default:
		srv.Transport = TransportStdio
		fields := strings.Fields(spec)
		if len(fields) > 0 {
			srv.Command = fields[0]
			srv.Args = fields[1:]
		}
	}
	return srv
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
