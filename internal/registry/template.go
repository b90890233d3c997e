package registry

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const maxStoreIDLength = 128

// ValidateID checks that a store ID is safe to substitute into paths and
// object keys: 1-128 characters from [A-Za-z0-9._-], and not "." or "..".
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidStoreID)
	}
	if len(id) > maxStoreIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidStoreID, maxStoreIDLength)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidStoreID, id)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidStoreID, c)
		}
	}
	return nil
}

// HashID returns a stable, case-insensitive-filesystem safe name for id.
func HashID(id string) string {
	sum := blake2b.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}

// Expand substitutes {id}, {hash} and {data_dir} in a store URL template.
func Expand(template, id, dataDir string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("empty store url for %q", id)
	}
	if strings.Contains(template, "{data_dir}") && dataDir == "" {
		return "", fmt.Errorf("store url %q needs data_dir", template)
	}

	r := strings.NewReplacer(
		"{id}", id,
		"{hash}", HashID(id),
		"{data_dir}", dataDir,
	)
	return r.Replace(template), nil
}
