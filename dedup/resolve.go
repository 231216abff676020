package dedup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/dhcgn/mailbox-harvester/model"
)

// ErrInvalidName is returned for names that cannot be used as a file name.
var ErrInvalidName = errors.New("invalid file name")

// ResolveName picks the on-disk name for data inside dir. When a file called
// desired already holds the same bytes it returns (desired, true) and the
// caller must not write. Otherwise it returns desired, or the first free
// base_N.ext when desired is taken by different content.
func ResolveName(dir, desired string, data []byte) (string, bool, error) {
	return resolveName(dir, desired, Fingerprint(data), nil)
}

func resolveName(dir, desired string, fp model.Fingerprint, reserved map[string]struct{}) (string, bool, error) {
	if desired == "" {
		return "", false, ErrInvalidName
	}

	existing := filepath.Join(dir, desired)
	info, err := os.Stat(existing)
	switch {
	case err == nil && info.Mode().IsRegular():
		current, readErr := os.ReadFile(existing)
		if readErr != nil {
			return "", false, fmt.Errorf("read existing %s: %w", existing, readErr)
		}
		if Fingerprint(current) == fp {
			return desired, true, nil
		}
	case err == nil:
		// a directory or device of that name counts as taken
	case errors.Is(err, fs.ErrNotExist):
		if _, taken := reserved[desired]; !taken {
			return desired, false, nil
		}
	default:
		return "", false, fmt.Errorf("stat %s: %w", existing, err)
	}

	base, ext := splitExt(desired)
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s_%d%s", base, counter, ext)
		if _, taken := reserved[candidate]; taken {
			continue
		}
		_, err := os.Lstat(filepath.Join(dir, candidate))
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("stat %s: %w", candidate, err)
		}
	}
}

func splitExt(name string) (string, string) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		return name, ""
	}
	return base, ext
}

// SanitizeName reduces a suggested name to a single path element that is safe
// to create inside a category root.
func SanitizeName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		switch r {
		case ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	if name == "" || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	return name, nil
}
