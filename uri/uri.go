// Package uri parses and renders the collection URIs clients use to name
// their OutStream target, plus the Postgres connection URI the server logs.
package uri

import (
	"fmt"
	"strconv"
	"strings"
)

// Proto is a collection stream protocol.
type Proto string

const (
	ProtoFile  Proto = "file"
	ProtoFlush Proto = "flush"
	ProtoTCP   Proto = "tcp"
	ProtoUDP   Proto = "udp"
)

// Parsed is the owned-string result of parsing a collection URI. Any field
// may be empty; [empty, path, empty] is the minimal accepted form.
type Parsed struct {
	Protocol string
	Path     string
	Port     string
}

var knownProtos = map[string]bool{
	string(ProtoFile):  true,
	string(ProtoFlush): true,
	string(ProtoTCP):   true,
	string(ProtoUDP):   true,
}

// Result is what Parse returns: the parsed components plus a warning
// message for the recoverable oddities Parse tolerates rather than
// rejecting.
type Result struct {
	Parsed
	Warning string
}

// Parse splits a collection URI of the form "[proto:]path[:service]" into
// its components. Bracketed IPv6 literals ("tcp:[::1]:3003") are honored.
// An unknown scheme paired with a single bare token is treated as a tcp
// host with a warning recorded in Warning.
func Parse(s string) (Result, error) {
	if s == "" {
		return Result{}, fmt.Errorf("uri: empty collection uri")
	}

	proto, rest, hasProto := splitProto(s)

	if !hasProto {
		// No recognizable "proto:" prefix at all: bare "host:port" or bare path.
		host, port, hadPort := splitHostPort(s)
		if hadPort {
			return Result{
				Parsed:  Parsed{Protocol: "", Path: host, Port: port},
				Warning: fmt.Sprintf("uri: no protocol given for %q, assuming tcp", s),
			}, nil
		}
		return Result{Parsed: Parsed{Path: s}}, nil
	}

	if !knownProtos[proto] {
		// Unknown scheme with what looks like a single token: treat the
		// whole input, scheme token included, as a tcp host.
		return Result{
			Parsed:  Parsed{Protocol: "", Path: s, Port: ""},
			Warning: fmt.Sprintf("uri: unknown scheme %q, treating %q as tcp host", proto, s),
		}, nil
	}

	path, port, _ := splitHostPort(rest)
	if path == "" {
		return Result{}, fmt.Errorf("uri: empty path in %q", s)
	}
	return Result{Parsed: Parsed{Protocol: proto, Path: path, Port: port}}, nil
}

// splitProto pulls a leading "word:" off s if word looks like a scheme
// token (non-empty, no '[', ']' or '.' — distinguishing "tcp:host" from
// "host.example:9999", which has no scheme at all).
func splitProto(s string) (proto, rest string, ok bool) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", s, false
	}
	candidate := s[:idx]
	if candidate == "" || strings.ContainsAny(candidate, "[].") {
		return "", s, false
	}
	if knownProtos[candidate] {
		return candidate, s[idx+1:], true
	}
	// Not a known scheme. candidate ends at the first colon, so it is a
	// single token: report it as an unrecognized scheme (caller emits the
	// "unknown scheme" warning). The remainder after the colon is not
	// inspected.
	if !strings.Contains(candidate, ":") {
		return candidate, s[idx+1:], true
	}
	return "", s, false
}

// splitHostPort separates "path[:port]" honoring bracketed IPv6 literals.
// hadPort reports whether a trailing ":port" was actually recognized.
func splitHostPort(s string) (host, port string, hadPort bool) {
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return s, "", false
		}
		host = s[1:end]
		rest := s[end+1:]
		if strings.HasPrefix(rest, ":") {
			return host, rest[1:], true
		}
		return host, "", false
	}
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return s, "", false
	}
	// Only treat the suffix as a port if it's all digits; otherwise it's
	// part of a path (e.g. a Windows drive letter or a file path containing
	// a colon is out of scope, but we guard against misparsing "a:b:c").
	if _, err := strconv.Atoi(s[idx+1:]); err != nil {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}

// Render renders Parsed back into collection-uri form, the inverse of
// Parse for well-formed (proto, path, port) tuples.
func (p Parsed) Render() string {
	var b strings.Builder
	if p.Protocol != "" {
		b.WriteString(p.Protocol)
		b.WriteByte(':')
	}
	if strings.Contains(p.Path, ":") {
		b.WriteByte('[')
		b.WriteString(p.Path)
		b.WriteByte(']')
	} else {
		b.WriteString(p.Path)
	}
	if p.Port != "" {
		b.WriteByte(':')
		b.WriteString(p.Port)
	}
	return b.String()
}

// PostgresURI renders the logging-only connection URI for a Postgres
// database, "postgresql://<user>@<host>:<port>/<dbname>".
func PostgresURI(user, host, port, dbname string) string {
	return fmt.Sprintf("postgresql://%s@%s:%s/%s", user, host, port, dbname)
}
