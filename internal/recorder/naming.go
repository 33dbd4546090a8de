package recorder

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// statusCodes maps growth-stage names to their file name codes
var statusCodes = map[string]string{
	"before_deoxidation": "non",
	"after_deoxidation":  "deo",
	"growth_start":       "start",
	"growing":            "growth",
	"growth_end":         "end",
}

// Request describes a recording the operator asked for
type Request struct {
	FurnaceID string  `json:"furnace_id"`
	Status    string  `json:"status"`
	Substrate string  `json:"substrate,omitempty"`
	Material  string  `json:"material,omitempty"`
	Label     string  `json:"label,omitempty"`
	Profile   Profile `json:"profile,omitempty"`
}

// FileStem returns the file name stem for a request. A free-form label
// replaces the status entirely. Deoxidation stages are suffixed with the
// substrate and growth stages with the material.
func (r Request) FileStem() (string, error) {
	if label := sanitize(r.Label); label != "" {
		return label, nil
	}

	status := strings.ToLower(strings.TrimSpace(r.Status))
	if status == "" {
		return "", errors.New("recording status is required")
	}

	code, ok := statusCodes[status]
	if !ok {
		code = status
	}

	stem := code
	switch code {
	case "non", "deo":
		if s := sanitize(r.Substrate); s != "" {
			stem += "_" + s
		}
	case "start", "growth", "end":
		if m := sanitize(r.Material); m != "" {
			stem += "_" + m
		}
	}

	stem = sanitize(stem)
	if stem == "" {
		return "", fmt.Errorf("invalid recording status %q", r.Status)
	}
	return stem, nil
}

// UniquePath returns base+ext, or base_n+ext for the smallest n >= 1 such
// that no file exists at the path.
func UniquePath(base, ext string) (string, error) {
	candidate := base + ext
	for n := 1; ; n++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s_%d%s", base, n, ext)
	}
}

// sanitize strips path separators and surrounding space from a name component
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)
	if s == "." || s == ".." {
		return ""
	}
	return s
}
