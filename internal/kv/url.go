package kv

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Engine types
const (
	TypeMemory = "memory"
	TypePebble = "pebble"
	TypeBadger = "badger"
	TypeBolt   = "bolt"
	TypeFile   = "file"
	TypeS3     = "s3"
)

const memoryPath = ":memory:"

// ParsedURL contains parsed KV engine connection information
type ParsedURL struct {
	Type     string
	Path     string // pebble, badger, bolt, file
	InMemory bool   // pebble://:memory:, badger://:memory:
	Sync     bool   // ?sync=true: fsync every write

	// S3
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// ParseURL parses a KV engine URL.
// Supports:
//   - memory://
//   - pebble:///path/to/dir, pebble://:memory:
//   - badger:///path/to/dir, badger://:memory:
//   - bolt:///path/to/file.db
//   - file:///path/to/dir
//   - s3://[access:secret@]bucket[/prefix][?endpoint=URL&region=R]
func ParseURL(rawURL string) (*ParsedURL, error) {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, fmt.Errorf("invalid KV URL %q: missing scheme", rawURL)
	}

	switch scheme {
	case TypeMemory:
		return &ParsedURL{Type: TypeMemory}, nil
	case TypePebble, TypeBadger:
		return parsePathURL(scheme, rest, true)
	case TypeBolt, TypeFile:
		return parsePathURL(scheme, rest, false)
	case TypeS3:
		return parseS3URL(rawURL)
	default:
		return nil, fmt.Errorf("unsupported KV store type: %s", scheme)
	}
}

// parsePathURL handles engines addressed by a filesystem path. The path is
// taken verbatim so that Windows drive letters and spaces survive.
func parsePathURL(scheme, rest string, allowMemory bool) (*ParsedURL, error) {
	path, rawQuery, _ := strings.Cut(rest, "?")
	parsed := &ParsedURL{Type: scheme}

	if rawQuery != "" {
		query, err := url.ParseQuery(rawQuery)
		if err != nil {
			return nil, fmt.Errorf("invalid %s URL query: %w", scheme, err)
		}
		if v := query.Get("sync"); v != "" {
			sync, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid sync value %q: %w", v, err)
			}
			parsed.Sync = sync
		}
	}

	if path == memoryPath {
		if !allowMemory {
			return nil, fmt.Errorf("%s does not support in-memory mode", scheme)
		}
		parsed.InMemory = true
		return parsed, nil
	}

	if path == "" {
		return nil, fmt.Errorf("%s URL requires a path", scheme)
	}
	parsed.Path = path
	return parsed, nil
}

func parseS3URL(rawURL string) (*ParsedURL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("s3 URL requires a bucket")
	}

	parsed := &ParsedURL{
		Type:   TypeS3,
		Bucket: u.Host,
		Prefix: strings.TrimPrefix(u.Path, "/"),
		Region: u.Query().Get("region"),
	}
	if parsed.Prefix != "" && !strings.HasSuffix(parsed.Prefix, "/") {
		parsed.Prefix += "/"
	}
	parsed.Endpoint = u.Query().Get("endpoint")

	if u.User != nil {
		parsed.AccessKey = u.User.Username()
		parsed.SecretKey, _ = u.User.Password()
	}
	if parsed.AccessKey == "" {
		parsed.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		parsed.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if parsed.Region == "" {
		parsed.Region = "us-east-1"
	}

	return parsed, nil
}

// Location identifies the storage a URL points at. Two URLs with the same
// non-empty location share data. Process-private engines return "".
func (p *ParsedURL) Location() string {
	switch {
	case p.Type == TypeMemory, p.InMemory:
		return ""
	case p.Type == TypeS3:
		return p.Type + "://" + p.Endpoint + "/" + p.Bucket + "/" + p.Prefix
	default:
		return p.Type + "://" + filepath.Clean(p.Path)
	}
}
