package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// BuildStore persists pipeline runs and their phases.
type BuildStore interface {
	// CreateBuild inserts a build together with its phase rows.
	CreateBuild(ctx context.Context, build *Build, phases []BuildPhase) error

	// GetBuild returns a build by its ID.
	GetBuild(ctx context.Context, id uuid.UUID) (*Build, error)

	// FindActiveBuild returns the most recent non-terminal build of a namespace.
	// Returns ErrNotFound when the namespace has none.
	FindActiveBuild(ctx context.Context, namespace string) (*Build, error)

	// UpdateBuild applies the non-nil fields of update.
	UpdateBuild(ctx context.Context, id uuid.UUID, update BuildUpdate) error

	// GetPhase returns one phase of a build.
	GetPhase(ctx context.Context, buildID uuid.UUID, phase PhaseName) (*BuildPhase, error)

	// ListPhases returns every phase of a build in pipeline order.
	ListPhases(ctx context.Context, buildID uuid.UUID) ([]BuildPhase, error)

	// UpdatePhase applies the non-nil fields of update. A status change that
	// PhaseStatus.CanTransitionTo rejects returns ErrInvalidTransition and
	// writes nothing.
	UpdatePhase(ctx context.Context, buildID uuid.UUID, phase PhaseName, update PhaseUpdate) error
}

// Tracker records which build is in flight for each namespace.
type Tracker interface {
	// Start makes buildID the namespace's in-flight build, superseding any
	// build tracked before it.
	Start(ctx context.Context, namespace string, buildID uuid.UUID) error

	// Complete clears the namespace. Clearing an idle namespace is not an error.
	Complete(ctx context.Context, namespace string) error

	// Active returns the in-flight build of a namespace, if any.
	Active(ctx context.Context, namespace string) (uuid.UUID, bool, error)
}

// PackageStore persists installed packages.
type PackageStore interface {
	// GetOrCreatePackage returns the package with p's identity tuple,
	// inserting it first when missing.
	GetOrCreatePackage(ctx context.Context, p Package) (*Package, error)

	// FilterPackages returns every recorded version of name on arch.
	FilterPackages(ctx context.Context, name, arch string) ([]Package, error)
}

// ImageStore persists container images and their scan state.
type ImageStore interface {
	// CreateImage returns the image called name, inserting it first when missing.
	CreateImage(ctx context.Context, name string) (*ContainerImage, error)

	GetImageByName(ctx context.Context, name string) (*ContainerImage, error)

	ListImages(ctx context.Context, filter ImageFilter) ([]ContainerImage, error)

	// AddImagePackages links packages to an image. Existing links are kept.
	AddImagePackages(ctx context.Context, imageID int64, packageIDs []int64) error

	SetImageRepoInfo(ctx context.Context, imageID, repoInfoID int64) error

	// MarkScanned sets scanned and last_scanned.
	MarkScanned(ctx context.Context, imageID int64, at time.Time) error

	// MarkImagesForBuild sets to_build on every image containing the package,
	// restricted to images built against upstream when it is non-nil.
	// It returns the number of images flagged.
	MarkImagesForBuild(ctx context.Context, packageID int64, upstream *int64) (int64, error)
}

// RepoInfoStore persists upstream repository configurations.
type RepoInfoStore interface {
	// GetOrCreateRepoInfo returns the RepoInfo whose URL set equals
	// info.BaseURLs in any order, inserting info first when missing.
	GetOrCreateRepoInfo(ctx context.Context, info RepoInfo) (*RepoInfo, error)

	GetRepoInfo(ctx context.Context, id int64) (*RepoInfo, error)
}

// ScanReportStore persists scanner results.
type ScanReportStore interface {
	SaveScanReport(ctx context.Context, report *ScanReport) error

	// ListScanReports returns the reports of an image, newest first.
	ListScanReports(ctx context.Context, imageID int64) ([]ScanReport, error)
}

// Store is the full record layer.
type Store interface {
	BuildStore
	Tracker
	PackageStore
	ImageStore
	RepoInfoStore
	ScanReportStore
}
