package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SampleConfig is written by `combinator init`.
const SampleConfig = `# Combinator gateway configuration
listen: "localhost:8899"
data_dir: "./data"
log_level: info     # trace, debug, info, warn, error
log_format: text    # text, json

server:
  read_timeout: 30     # seconds
  write_timeout: 30
  idle_timeout: 60
  max_body_bytes: 67108864
  rate_limit_rps: 0    # 0 disables rate limiting
  rate_limit_burst: 0
  cors: true
  trusted_proxies: []  # extra proxy IPs/CIDRs; loopback and private ranges are always trusted

# URL placeholders: {id} store ID, {hash} hashed store ID, {data_dir}
kv:
  auto_create: true
  default_url: "memory://"   # memory, pebble, badger, bolt, file, s3
  stores:
    - id: "1"
      url: "pebble://{data_dir}/kv/{hash}"
    # - id: "archive"
    #   url: "s3://ACCESS:SECRET@bucket/kv/{id}?endpoint=http://localhost:9000"

rdb:
  auto_create: true
  default_url: "sqlite://{data_dir}/rdb/{hash}.db"
  stores:
    - id: "1"
      url: "sqlite://{data_dir}/rdb/1.db"

metrics:
  enable: true
  path: /metrics
  interval: 15
`

// ErrConfigExists is returned by WriteSample when the target already exists.
var ErrConfigExists = errors.New("config file already exists")

// WriteSample writes SampleConfig to path. An existing file is only replaced
// when force is set.
func WriteSample(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%w: %s (use --force to overwrite)", ErrConfigExists, path)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(SampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
