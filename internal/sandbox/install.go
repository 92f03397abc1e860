package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/vsavkov/sortie/internal/failure"
)

// InstallManifestName is the optional file a target repo uses to request
// extra packages inside the sandbox image.
const InstallManifestName = ".sortie-install.yaml"

// maxInstallEntries bounds the merged manifest; targets cannot turn the
// image build into an arbitrary provisioning step.
const maxInstallEntries = 64

// InstallManifest lists extra packages baked into the sandbox image.
type InstallManifest struct {
	Apt []string `yaml:"apt,omitempty" json:"apt,omitempty"`
	Pip []string `yaml:"pip,omitempty" json:"pip,omitempty"`
	Npm []string `yaml:"npm,omitempty" json:"npm,omitempty"`
}

func (m InstallManifest) empty() bool {
	return len(m.Apt) == 0 && len(m.Pip) == 0 && len(m.Npm) == 0
}

func (m InstallManifest) size() int { return len(m.Apt) + len(m.Pip) + len(m.Npm) }

// LoadInstallManifest reads a target's manifest. A missing file is an empty
// manifest, not an error.
func LoadInstallManifest(workspace string) (InstallManifest, error) {
	var m InstallManifest
	raw, err := os.ReadFile(filepath.Join(workspace, InstallManifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, nil
		}
		return m, err
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, failure.New(failure.TypeImageBuildFailed,
			fmt.Sprintf("parsing %s: %v", InstallManifestName, err),
			"fix the YAML in the target's install manifest")
	}
	return m, nil
}

// MergeInstallManifests layers the target's requests over the policy's
// baseline, deduplicates, sorts, and enforces the entry bound.
func MergeInstallManifests(base, overlay InstallManifest) (InstallManifest, error) {
	merged := base
	if err := mergo.Merge(&merged, overlay, mergo.WithAppendSlice); err != nil {
		return InstallManifest{}, err
	}
	merged.Apt = dedupeSorted(merged.Apt)
	merged.Pip = dedupeSorted(merged.Pip)
	merged.Npm = dedupeSorted(merged.Npm)
	if merged.size() > maxInstallEntries {
		return InstallManifest{}, failure.New(failure.TypeImageBuildFailed,
			fmt.Sprintf("install manifest requests %d packages; the bound is %d", merged.size(), maxInstallEntries),
			"trim the target's .sortie-install.yaml or bake a custom image via --exec-docker-context")
	}
	return merged, nil
}

func dedupeSorted(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		t := strings.TrimSpace(s)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// DockerfileLines renders the manifest as Dockerfile RUN instructions
// appended to the overlay context.
func (m InstallManifest) DockerfileLines() []string {
	var lines []string
	if len(m.Apt) > 0 {
		lines = append(lines,
			"RUN apt-get update && apt-get install -y --no-install-recommends "+
				strings.Join(m.Apt, " ")+" && rm -rf /var/lib/apt/lists/*")
	}
	if len(m.Pip) > 0 {
		lines = append(lines, "RUN pip install --no-cache-dir "+strings.Join(m.Pip, " "))
	}
	if len(m.Npm) > 0 {
		lines = append(lines, "RUN npm install -g "+strings.Join(m.Npm, " "))
	}
	return lines
}
