package rdb

import (
	"fmt"
	"path/filepath"
	"strings"
)

// TypeSQLite is the only relational engine.
const TypeSQLite = "sqlite"

const memoryPath = ":memory:"

// ParsedURL contains parsed database connection information
type ParsedURL struct {
	Type     string
	Path     string
	InMemory bool
}

// ParseURL parses an RDB URL.
// Supports:
//   - sqlite:///path/to/file.db
//   - sqlite://:memory:
func ParseURL(rawURL string) (*ParsedURL, error) {
	scheme, path, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, fmt.Errorf("invalid RDB URL %q: missing scheme", rawURL)
	}
	if scheme != TypeSQLite {
		return nil, fmt.Errorf("unsupported RDB type: %s", scheme)
	}

	switch path {
	case "":
		return nil, fmt.Errorf("sqlite URL requires a path")
	case memoryPath:
		return &ParsedURL{Type: TypeSQLite, InMemory: true}, nil
	}
	if strings.Contains(path, "?") {
		return nil, fmt.Errorf("sqlite URL does not accept query parameters")
	}
	return &ParsedURL{Type: TypeSQLite, Path: path}, nil
}

// DSN returns the modernc.org/sqlite data source name.
func (p *ParsedURL) DSN() string {
	if p.InMemory {
		return memoryPath
	}
	return p.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Location identifies the database file. In-memory databases are private to
// their handle and return "".
func (p *ParsedURL) Location() string {
	if p.InMemory {
		return ""
	}
	return filepath.Clean(p.Path)
}
