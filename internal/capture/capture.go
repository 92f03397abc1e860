// Package capture implements the lossy text-capture policy for run
// artifacts: bounded excerpts with an explicit truncation marker, binary
// detection, and SHA-256 references to the full bytes.
package capture

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"unicode/utf8"
)

// TruncationMarker separates the head and tail halves of a truncated excerpt.
// Exactly one marker appears in any truncated excerpt.
const TruncationMarker = "...[truncated_output]..."

// BinaryMarker tags captures whose source bytes are not text.
const BinaryMarker = "binary_artifact_detected"

// Policy bounds how much of a text artifact is inlined into events and
// error records. The full bytes always stay on disk; SHA256 is the link.
type Policy struct {
	MaxExcerptBytes int
	MaxLines        int
}

// DefaultPolicy matches the runner's stock capture budget.
func DefaultPolicy() Policy {
	return Policy{MaxExcerptBytes: 8000, MaxLines: 0}
}

func (p Policy) withDefaults() Policy {
	if p.MaxExcerptBytes <= 0 {
		p.MaxExcerptBytes = DefaultPolicy().MaxExcerptBytes
	}
	return p
}

// Excerpt is a bounded view of a text artifact.
type Excerpt struct {
	Text       string `json:"text"`
	Truncated  bool   `json:"truncated"`
	TotalBytes int    `json:"total_bytes"`
	SHA256     string `json:"sha256"`
	Binary     bool   `json:"binary,omitempty"`
}

// Take captures s under the policy.
func (p Policy) Take(s string) Excerpt {
	return p.TakeBytes([]byte(s))
}

// TakeBytes captures b under the policy. Binary inputs are replaced with an
// explicit marker rather than mangled.
func (p Policy) TakeBytes(b []byte) Excerpt {
	p = p.withDefaults()
	sum := sha256.Sum256(b)
	ex := Excerpt{
		TotalBytes: len(b),
		SHA256:     hex.EncodeToString(sum[:]),
	}
	if looksBinary(b) {
		ex.Binary = true
		ex.Text = fmt.Sprintf("[%s sha256=%s bytes=%d]", BinaryMarker, ex.SHA256, len(b))
		return ex
	}
	text := string(b)
	if p.MaxLines > 0 {
		if capped, cut := capLines(text, p.MaxLines); cut {
			text = capped
			ex.Truncated = true
		}
	}
	if len(text) > p.MaxExcerptBytes {
		text = headTail(text, p.MaxExcerptBytes)
		ex.Truncated = true
	}
	ex.Text = text
	return ex
}

// TakeFile captures the file at path. The file itself is left untouched; the
// excerpt carries its hash so downstream consumers can fetch the full bytes.
func (p Policy) TakeFile(path string) (Excerpt, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Excerpt{}, err
	}
	return p.TakeBytes(b), nil
}

// headTail keeps the start and end of s, joined by the truncation marker,
// with the whole result (marker included) fitting in max bytes.
func headTail(s string, max int) string {
	marker := "\n" + TruncationMarker + "\n"
	usable := max - len(marker)
	if usable < 2 {
		// Budget too small for a split; keep the head only.
		return trimToRuneBoundary(s[:max])
	}
	headLen := usable / 2
	tailLen := usable - headLen
	head := trimToRuneBoundary(s[:headLen])
	tail := trimLeadingPartialRune(s[len(s)-tailLen:])
	return head + marker + tail
}

func capLines(s string, max int) (string, bool) {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			n++
			if n >= max {
				return s[:i], true
			}
		}
	}
	return s, false
}

// trimToRuneBoundary drops a trailing partial UTF-8 sequence.
func trimToRuneBoundary(s string) string {
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			return s
		}
		s = s[:len(s)-1]
	}
	return s
}

// trimLeadingPartialRune drops leading continuation bytes.
func trimLeadingPartialRune(s string) string {
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			return s
		}
		s = s[1:]
	}
	return s
}

// looksBinary sniffs the first 8 KiB for NUL bytes, the same heuristic git
// uses to split text from binary content.
func looksBinary(b []byte) bool {
	n := len(b)
	if n > 8192 {
		n = 8192
	}
	return bytes.IndexByte(b[:n], 0) >= 0
}

// SHA256Hex returns the hex digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// WriteJSONAtomic writes v as indented JSON via a temp file in the target
// directory followed by a rename, so readers never observe a partial
// document.
func WriteJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, append(b, '\n'), 0o644)
}

// WriteFileAtomic writes data to path via temp-then-rename.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(tmpName, perm)
	}
	if werr == nil {
		werr = os.Rename(tmpName, path)
	}
	if werr != nil {
		_ = os.Remove(tmpName)
		return werr
	}
	return nil
}
