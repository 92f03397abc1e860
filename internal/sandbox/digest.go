package sandbox

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// digestExcludes never contribute to an image digest.
var digestExcludes = []string{".git/**", "**/.DS_Store", "**/__pycache__/**"}

// ContextDigest computes a stable hash of a build context. Files are walked
// in sorted relative-path order and each contributes its path and content,
// so two identical contexts always produce the same digest and therefore
// the same image tag.
func ContextDigest(contextDir string, extraExcludes []string) (string, error) {
	excludes := append(append([]string{}, digestExcludes...), extraExcludes...)

	var rels []string
	err := filepath.WalkDir(contextDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(contextDir, path)
		if rerr != nil {
			return rerr
		}
		relSlash := filepath.ToSlash(rel)
		for _, g := range excludes {
			if ok, merr := doublestar.Match(g, relSlash); merr == nil && ok {
				return nil
			}
		}
		rels = append(rels, relSlash)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(rels)

	h := blake3.New()
	for _, rel := range rels {
		fh := blake3.New()
		f, ferr := os.Open(filepath.Join(contextDir, filepath.FromSlash(rel)))
		if ferr != nil {
			return "", ferr
		}
		if _, cerr := io.Copy(fh, f); cerr != nil {
			f.Close()
			return "", cerr
		}
		f.Close()
		fmt.Fprintf(h, "%s\x00%x\n", rel, fh.Sum(nil))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]), nil
}

// ImageTag derives the local image tag for a context digest.
func ImageTag(digest string) string {
	if len(digest) > 12 {
		digest = digest[:12]
	}
	return "sortie-sandbox:" + digest
}
