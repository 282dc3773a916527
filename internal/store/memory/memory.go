// Package memory implements the store interfaces in process memory.
// It backs tests and pipectl dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"imagepipe/internal/store"

	"github.com/google/uuid"
)

type phaseKey struct {
	build uuid.UUID
	phase store.PhaseName
}

// Store is a mutex guarded in-memory store.Store.
type Store struct {
	mu sync.Mutex

	builds   map[uuid.UUID]store.Build
	phases   map[phaseKey]store.BuildPhase
	inflight map[string]uuid.UUID

	nextID      int64
	packages    map[int64]store.Package
	images      map[int64]store.ContainerImage
	links       map[int64]map[int64]struct{} // image -> packages
	repoInfos   map[int64]store.RepoInfo
	repoByKey   map[string]int64
	scanReports []store.ScanReport
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		builds:    make(map[uuid.UUID]store.Build),
		phases:    make(map[phaseKey]store.BuildPhase),
		inflight:  make(map[string]uuid.UUID),
		packages:  make(map[int64]store.Package),
		images:    make(map[int64]store.ContainerImage),
		links:     make(map[int64]map[int64]struct{}),
		repoInfos: make(map[int64]store.RepoInfo),
		repoByKey: make(map[string]int64),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) CreateBuild(ctx context.Context, build *store.Build, phases []store.BuildPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.builds[build.ID]; ok {
		return fmt.Errorf("build %s already exists", build.ID)
	}
	s.builds[build.ID] = *build
	for _, p := range phases {
		s.phases[phaseKey{build.ID, p.Phase}] = p
	}
	return nil
}

func (s *Store) GetBuild(ctx context.Context, id uuid.UUID) (*store.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

func (s *Store) FindActiveBuild(ctx context.Context, namespace string) (*store.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *store.Build
	for _, b := range s.builds {
		if b.Namespace != namespace || b.Status.Terminal() {
			continue
		}
		if found == nil || b.CreatedAt.After(found.CreatedAt) {
			b := b
			found = &b
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) UpdateBuild(ctx context.Context, id uuid.UUID, update store.BuildUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[id]
	if !ok {
		return store.ErrNotFound
	}
	if update.Status != nil {
		b.Status = *update.Status
	}
	if update.StartTime != nil && b.StartTime == nil {
		b.StartTime = update.StartTime
	}
	if update.EndTime != nil {
		b.EndTime = update.EndTime
	}
	s.builds[id] = b
	return nil
}

func (s *Store) GetPhase(ctx context.Context, buildID uuid.UUID, phase store.PhaseName) (*store.BuildPhase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.phases[phaseKey{buildID, phase}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListPhases(ctx context.Context, buildID uuid.UUID) ([]store.BuildPhase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.BuildPhase
	for _, name := range store.Phases {
		if p, ok := s.phases[phaseKey{buildID, name}]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) UpdatePhase(ctx context.Context, buildID uuid.UUID, phase store.PhaseName, update store.PhaseUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := phaseKey{buildID, phase}
	p, ok := s.phases[key]
	if !ok {
		return store.ErrNotFound
	}

	if update.Status != nil {
		next := *update.Status
		if !p.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, p.Status, next)
		}
		p.Status = next
		if next == store.PhaseStatusProcessing && update.StartTime != nil && p.StartTime == nil {
			p.StartTime = update.StartTime
		}
		if next.Terminal() && update.EndTime != nil {
			p.EndTime = update.EndTime
		}
	}
	if update.LogFile != nil {
		p.LogFile = *update.LogFile
	}
	s.phases[key] = p
	return nil
}

func (s *Store) Start(ctx context.Context, namespace string, buildID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inflight[namespace] = buildID
	return nil
}

func (s *Store) Complete(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, namespace)
	return nil
}

func (s *Store) Active(ctx context.Context, namespace string) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.inflight[namespace]
	return id, ok, nil
}

func (s *Store) GetOrCreatePackage(ctx context.Context, p store.Package) (*store.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.packages {
		if existing.Name == p.Name && existing.Version == p.Version &&
			existing.Release == p.Release && existing.Arch == p.Arch {
			existing := existing
			return &existing, nil
		}
	}
	p.ID = s.id()
	s.packages[p.ID] = p
	return &p, nil
}

func (s *Store) FilterPackages(ctx context.Context, name, arch string) ([]store.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Package
	for _, p := range s.packages {
		if p.Name == name && p.Arch == arch {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PackageCount returns the number of distinct packages recorded.
func (s *Store) PackageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packages)
}

func (s *Store) CreateImage(ctx context.Context, name string) (*store.ContainerImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, img := range s.images {
		if img.Name == name {
			img := img
			return &img, nil
		}
	}
	img := store.ContainerImage{ID: s.id(), Name: name}
	s.images[img.ID] = img
	return &img, nil
}

func (s *Store) GetImageByName(ctx context.Context, name string) (*store.ContainerImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, img := range s.images {
		if img.Name == name {
			img := img
			return &img, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListImages(ctx context.Context, filter store.ImageFilter) ([]store.ContainerImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make(map[string]struct{}, len(filter.Names))
	for _, n := range filter.Names {
		names[n] = struct{}{}
	}

	var out []store.ContainerImage
	for _, img := range s.images {
		if filter.Scanned != nil && img.Scanned != *filter.Scanned {
			continue
		}
		if filter.ToBuild != nil && img.ToBuild != *filter.ToBuild {
			continue
		}
		if len(names) > 0 {
			if _, ok := names[img.Name]; !ok {
				continue
			}
		}
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AddImagePackages(ctx context.Context, imageID int64, packageIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.images[imageID]; !ok {
		return store.ErrNotFound
	}
	set, ok := s.links[imageID]
	if !ok {
		set = make(map[int64]struct{})
		s.links[imageID] = set
	}
	for _, id := range packageIDs {
		if _, ok := s.packages[id]; !ok {
			return fmt.Errorf("package %d: %w", id, store.ErrNotFound)
		}
		set[id] = struct{}{}
	}
	return nil
}

// ImagePackages returns the package ids linked to an image.
func (s *Store) ImagePackages(imageID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []int64
	for id := range s.links[imageID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) SetImageRepoInfo(ctx context.Context, imageID, repoInfoID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.images[imageID]
	if !ok {
		return store.ErrNotFound
	}
	img.RepoInfoID = &repoInfoID
	s.images[imageID] = img
	return nil
}

func (s *Store) MarkScanned(ctx context.Context, imageID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.images[imageID]
	if !ok {
		return store.ErrNotFound
	}
	img.Scanned = true
	img.LastScanned = &at
	s.images[imageID] = img
	return nil
}

func (s *Store) MarkImagesForBuild(ctx context.Context, packageID int64, upstream *int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, img := range s.images {
		if _, ok := s.links[id][packageID]; !ok {
			continue
		}
		if upstream != nil && (img.RepoInfoID == nil || *img.RepoInfoID != *upstream) {
			continue
		}
		img.ToBuild = true
		s.images[id] = img
		n++
	}
	return n, nil
}

func (s *Store) GetOrCreateRepoInfo(ctx context.Context, info store.RepoInfo) (*store.RepoInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.RepoInfoKey(info.BaseURLs)
	if id, ok := s.repoByKey[key]; ok {
		existing := s.repoInfos[id]
		return &existing, nil
	}
	info.ID = s.id()
	info.BaseURLs = store.CanonicalURLs(info.BaseURLs)
	s.repoInfos[info.ID] = info
	s.repoByKey[key] = info.ID
	return &info, nil
}

func (s *Store) GetRepoInfo(ctx context.Context, id int64) (*store.RepoInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.repoInfos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &info, nil
}

// RepoInfoCount returns the number of distinct RepoInfo rows.
func (s *Store) RepoInfoCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.repoInfos)
}

func (s *Store) SaveScanReport(ctx context.Context, report *store.ScanReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	report.ID = s.id()
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}
	s.scanReports = append(s.scanReports, *report)
	return nil
}

func (s *Store) ListScanReports(ctx context.Context, imageID int64) ([]store.ScanReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.ScanReport
	for i := len(s.scanReports) - 1; i >= 0; i-- {
		if s.scanReports[i].ImageID == imageID {
			out = append(out, s.scanReports[i])
		}
	}
	return out, nil
}
