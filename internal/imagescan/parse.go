package imagescan

import (
	"encoding/json"
	"fmt"
	"strings"

	"imagepipe/internal/store"
)

// ParsePackages reads package query output. Each line is either
// name|version|release|arch or a plain name-version-release.arch string.
// Blank lines are skipped.
func ParsePackages(output string) ([]store.Package, error) {
	var out []store.Package
	seen := make(map[store.Package]bool)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var p store.Package
		var err error
		if strings.Contains(line, "|") {
			p, err = parseFields(line)
		} else {
			p, err = ParseNVRA(line)
		}
		if err != nil {
			return nil, err
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func parseFields(line string) (store.Package, error) {
	f := strings.Split(line, "|")
	if len(f) != 4 || f[0] == "" || f[1] == "" || f[2] == "" {
		return store.Package{}, fmt.Errorf("malformed package line %q", line)
	}
	arch := f[3]
	if arch == "(none)" {
		arch = ""
	}
	return store.Package{Name: f[0], Version: f[1], Release: f[2], Arch: arch}, nil
}

// ParseNVRA splits "name-version-release.arch". Names may contain dashes;
// the arch is absent when no dot follows the release.
func ParseNVRA(s string) (store.Package, error) {
	rest, arch := s, ""
	lastDash := strings.LastIndex(s, "-")
	if dot := strings.LastIndex(s, "."); dot > lastDash && lastDash >= 0 {
		rest, arch = s[:dot], s[dot+1:]
	}

	relDash := strings.LastIndex(rest, "-")
	if relDash <= 0 {
		return store.Package{}, fmt.Errorf("malformed package %q", s)
	}
	verDash := strings.LastIndex(rest[:relDash], "-")
	if verDash <= 0 {
		return store.Package{}, fmt.Errorf("malformed package %q", s)
	}

	p := store.Package{
		Name:    rest[:verDash],
		Version: rest[verDash+1 : relDash],
		Release: rest[relDash+1:],
		Arch:    arch,
	}
	if p.Version == "" || p.Release == "" {
		return store.Package{}, fmt.Errorf("malformed package %q", s)
	}
	return p, nil
}

// lastLine returns the last non-blank line of output. Commands run inside
// images may print warnings before their result.
func lastLine(output string) (string, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return "", fmt.Errorf("empty output")
	}
	return last, nil
}

// repoEntry is one enabled repository: [id, mirrorlist, baseurls].
type repoEntry struct {
	ID         string
	MirrorList string
	BaseURLs   []string
}

func (r *repoEntry) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("repository entry has %d fields, want 3", len(raw))
	}
	if err := json.Unmarshal(raw[0], &r.ID); err != nil {
		return fmt.Errorf("repository id: %w", err)
	}
	var mirror *string
	if err := json.Unmarshal(raw[1], &mirror); err != nil {
		return fmt.Errorf("repository %s mirrorlist: %w", r.ID, err)
	}
	if mirror != nil {
		r.MirrorList = *mirror
	}
	if err := json.Unmarshal(raw[2], &r.BaseURLs); err != nil {
		return fmt.Errorf("repository %s baseurls: %w", r.ID, err)
	}
	return nil
}

// ParseRepoURLs reads the repository listing and returns the union of every
// mirrorlist and base URL, canonicalized.
func ParseRepoURLs(output string) ([]string, error) {
	line, err := lastLine(output)
	if err != nil {
		return nil, fmt.Errorf("repository listing: %w", err)
	}
	var entries []repoEntry
	if err := json.Unmarshal([]byte(line), &entries); err != nil {
		return nil, fmt.Errorf("repository listing: %w", err)
	}

	var urls []string
	for _, e := range entries {
		urls = append(urls, e.MirrorList)
		urls = append(urls, e.BaseURLs...)
	}
	return store.CanonicalURLs(urls), nil
}

// YumVars are the repository variables of an image.
type YumVars struct {
	BaseArch   string `json:"basearch"`
	ReleaseVer string `json:"releasever"`
	Infra      string `json:"infra"`
}

// ParseYumVars reads the yum variables dump. basearch and releasever are
// required; infra is optional.
func ParseYumVars(output string) (YumVars, error) {
	line, err := lastLine(output)
	if err != nil {
		return YumVars{}, fmt.Errorf("yum vars: %w", err)
	}
	var v YumVars
	if err := json.Unmarshal([]byte(line), &v); err != nil {
		return YumVars{}, fmt.Errorf("yum vars: %w", err)
	}
	if v.BaseArch == "" || v.ReleaseVer == "" {
		return YumVars{}, fmt.Errorf("yum vars: basearch and releasever are required")
	}
	return v, nil
}
