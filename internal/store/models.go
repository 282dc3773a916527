// Package store contains the record layer for the image pipeline.
package store

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a phase update would move its
// status backwards or skip processing.
var ErrInvalidTransition = errors.New("invalid phase status transition")

// BuildStatus represents the state of a pipeline run.
type BuildStatus string

const (
	BuildStatusPending    BuildStatus = "pending"
	BuildStatusBuilding   BuildStatus = "building"
	BuildStatusScanning   BuildStatus = "scanning"
	BuildStatusDelivering BuildStatus = "delivering"
	BuildStatusComplete   BuildStatus = "complete"
	BuildStatusFailed     BuildStatus = "failed"
)

// Terminal reports whether the build has finished.
func (s BuildStatus) Terminal() bool {
	return s == BuildStatusComplete || s == BuildStatusFailed
}

// PhaseName names one stage of a pipeline run.
type PhaseName string

const (
	PhaseBuild    PhaseName = "build"
	PhaseScan     PhaseName = "scan"
	PhaseDelivery PhaseName = "delivery"
	PhaseTracking PhaseName = "tracking"
)

// Phases lists every known phase in pipeline order.
var Phases = []PhaseName{PhaseBuild, PhaseScan, PhaseDelivery, PhaseTracking}

// PhaseStatus represents the state of one phase.
type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusProcessing PhaseStatus = "processing"
	PhaseStatusComplete   PhaseStatus = "complete"
	PhaseStatusFailed     PhaseStatus = "failed"
)

// Terminal reports whether the phase has finished.
func (s PhaseStatus) Terminal() bool {
	return s == PhaseStatusComplete || s == PhaseStatusFailed
}

// CanTransitionTo reports whether a phase may move from s to next.
// Phases only move forward: pending -> processing -> complete|failed.
func (s PhaseStatus) CanTransitionTo(next PhaseStatus) bool {
	for _, from := range next.Predecessors() {
		if from == s {
			return true
		}
	}
	return false
}

// Predecessors lists the statuses a phase may be in right before entering s.
func (s PhaseStatus) Predecessors() []PhaseStatus {
	switch s {
	case PhaseStatusProcessing:
		return []PhaseStatus{PhaseStatusPending}
	case PhaseStatusComplete, PhaseStatusFailed:
		return []PhaseStatus{PhaseStatusProcessing}
	default:
		return nil
	}
}

// Build represents one end-to-end pipeline run for a namespace.
type Build struct {
	ID        uuid.UUID
	Namespace string
	Status    BuildStatus
	StartTime *time.Time
	EndTime   *time.Time
	CreatedAt time.Time
}

// BuildPhase represents one phase of one Build.
type BuildPhase struct {
	ID        uuid.UUID
	BuildID   uuid.UUID
	Phase     PhaseName
	Status    PhaseStatus
	StartTime *time.Time
	EndTime   *time.Time
	LogFile   string
}

// NewBuild returns a pending build for namespace with one pending row per
// known phase.
func NewBuild(namespace string, now time.Time) (*Build, []BuildPhase) {
	b := &Build{
		ID:        uuid.New(),
		Namespace: namespace,
		Status:    BuildStatusPending,
		CreatedAt: now,
	}
	phases := make([]BuildPhase, 0, len(Phases))
	for _, name := range Phases {
		phases = append(phases, BuildPhase{
			ID:      uuid.New(),
			BuildID: b.ID,
			Phase:   name,
			Status:  PhaseStatusPending,
		})
	}
	return b, phases
}

// BuildUpdate lists the build fields to change. Nil fields are left alone.
type BuildUpdate struct {
	Status    *BuildStatus
	StartTime *time.Time
	EndTime   *time.Time
}

// PhaseUpdate lists the phase fields to change. Nil fields are left alone.
// When Status is set, StartTime and EndTime are only written if the
// transition enters processing or a terminal state respectively.
type PhaseUpdate struct {
	Status    *PhaseStatus
	StartTime *time.Time
	EndTime   *time.Time
	LogFile   *string
}

// Package is an installed package observed in an image. Its identity is
// the (name, version, release, arch) tuple.
type Package struct {
	ID      int64
	Name    string
	Version string
	Release string
	Arch    string
}

// NAVR is the canonical "name-version-release.arch" form.
func (p Package) NAVR() string {
	return p.Name + "-" + p.Version + "-" + p.Release + "." + p.Arch
}

// ContainerImage is a built and published image.
type ContainerImage struct {
	ID          int64
	Name        string
	Scanned     bool
	LastScanned *time.Time
	ToBuild     bool
	RepoInfoID  *int64
}

// ImageFilter narrows ListImages. Zero values do not filter.
type ImageFilter struct {
	Scanned *bool
	ToBuild *bool
	Names   []string
}

// RepoInfo is the upstream repository configuration an image was built
// against. BaseURLs is always canonical (see CanonicalURLs).
type RepoInfo struct {
	ID         int64
	BaseURLs   []string
	ReleaseVer string
	BaseArch   string
	Infra      string
}

// CanonicalURLs returns the order independent form of a URL set: trimmed,
// without empties or duplicates, sorted.
func CanonicalURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// RepoInfoKey is the identity key of a URL set.
func RepoInfoKey(urls []string) string {
	b, _ := json.Marshal(CanonicalURLs(urls))
	return string(b)
}

// ScanReport is the normalized output of one scanner run against an image.
type ScanReport struct {
	ID        int64
	ImageID   int64
	Scanner   string
	Status    bool
	Message   string
	Logs      json.RawMessage
	CreatedAt time.Time
}
