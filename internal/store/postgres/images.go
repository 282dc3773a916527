package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"imagepipe/internal/store"

	"github.com/lib/pq"
)

// GetOrCreatePackage inserts the package unless its identity tuple exists,
// then reads the row back. Concurrent callers converge on one row.
func (s *Store) GetOrCreatePackage(ctx context.Context, p store.Package) (*store.Package, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (name, version, release, arch)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, version, release, arch) DO NOTHING
	`, p.Name, p.Version, p.Release, p.Arch)
	if err != nil {
		return nil, fmt.Errorf("failed to insert package %s: %w", p.NAVR(), err)
	}

	var out store.Package
	err = s.db.QueryRowContext(ctx, `
		SELECT id, name, version, release, arch FROM packages
		WHERE name = $1 AND version = $2 AND release = $3 AND arch = $4
	`, p.Name, p.Version, p.Release, p.Arch).Scan(&out.ID, &out.Name, &out.Version, &out.Release, &out.Arch)
	if err != nil {
		return nil, fmt.Errorf("failed to read package %s: %w", p.NAVR(), err)
	}
	return &out, nil
}

func (s *Store) FilterPackages(ctx context.Context, name, arch string) ([]store.Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, release, arch FROM packages
		WHERE name = $1 AND arch = $2
		ORDER BY id
	`, name, arch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Package
	for rows.Next() {
		var p store.Package
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &p.Release, &p.Arch); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const imageColumns = "id, name, scanned, last_scanned, to_build, repo_info_id"

func scanImage(scan func(dest ...interface{}) error) (*store.ContainerImage, error) {
	var img store.ContainerImage
	var repoInfoID sql.NullInt64
	if err := scan(&img.ID, &img.Name, &img.Scanned, &img.LastScanned, &img.ToBuild, &repoInfoID); err != nil {
		return nil, err
	}
	if repoInfoID.Valid {
		id := repoInfoID.Int64
		img.RepoInfoID = &id
	}
	return &img, nil
}

func (s *Store) CreateImage(ctx context.Context, name string) (*store.ContainerImage, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO container_images (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", name)
	if err != nil {
		return nil, fmt.Errorf("failed to insert image %s: %w", name, err)
	}
	return s.GetImageByName(ctx, name)
}

func (s *Store) GetImageByName(ctx context.Context, name string) (*store.ContainerImage, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+imageColumns+" FROM container_images WHERE name = $1", name)
	img, err := scanImage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return img, err
}

func (s *Store) ListImages(ctx context.Context, filter store.ImageFilter) ([]store.ContainerImage, error) {
	var where []string
	var args []interface{}
	add := func(expr string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(expr, len(args)))
	}

	if filter.Scanned != nil {
		add("scanned = $%d", *filter.Scanned)
	}
	if filter.ToBuild != nil {
		add("to_build = $%d", *filter.ToBuild)
	}
	if len(filter.Names) > 0 {
		add("name = ANY($%d)", pq.Array(filter.Names))
	}

	query := "SELECT " + imageColumns + " FROM container_images"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ContainerImage
	for rows.Next() {
		img, err := scanImage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

func (s *Store) AddImagePackages(ctx context.Context, imageID int64, packageIDs []int64) error {
	if len(packageIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_packages (image_id, package_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING
	`, imageID, pq.Array(packageIDs))
	if err != nil {
		return fmt.Errorf("failed to link packages to image %d: %w", imageID, err)
	}
	return nil
}

func (s *Store) SetImageRepoInfo(ctx context.Context, imageID, repoInfoID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE container_images SET repo_info_id = $1 WHERE id = $2", repoInfoID, imageID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) MarkScanned(ctx context.Context, imageID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE container_images SET scanned = TRUE, last_scanned = $1 WHERE id = $2", at, imageID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkImagesForBuild flags every image containing the package in one
// statement, so a concurrent reader never sees a partial update.
func (s *Store) MarkImagesForBuild(ctx context.Context, packageID int64, upstream *int64) (int64, error) {
	query := `
		UPDATE container_images SET to_build = TRUE
		WHERE id IN (SELECT image_id FROM image_packages WHERE package_id = $1)
	`
	args := []interface{}{packageID}
	if upstream != nil {
		query += " AND repo_info_id = $2"
		args = append(args, *upstream)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to flag images for package %d: %w", packageID, err)
	}
	return res.RowsAffected()
}

// GetOrCreateRepoInfo keys rows by the canonical URL set, so permutations
// of the same URLs resolve to one row.
func (s *Store) GetOrCreateRepoInfo(ctx context.Context, info store.RepoInfo) (*store.RepoInfo, error) {
	urls := store.CanonicalURLs(info.BaseURLs)
	encoded, err := json.Marshal(urls)
	if err != nil {
		return nil, err
	}
	key := store.RepoInfoKey(urls)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repo_infos (baseurls, baseurls_key, releasever, basearch, infra)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (baseurls_key) DO NOTHING
	`, encoded, key, info.ReleaseVer, info.BaseArch, info.Infra)
	if err != nil {
		return nil, fmt.Errorf("failed to insert repo info: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, baseurls, releasever, basearch, infra FROM repo_infos WHERE baseurls_key = $1
	`, key)
	return scanRepoInfo(row)
}

func (s *Store) GetRepoInfo(ctx context.Context, id int64) (*store.RepoInfo, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, baseurls, releasever, basearch, infra FROM repo_infos WHERE id = $1", id)
	return scanRepoInfo(row)
}

func scanRepoInfo(row *sql.Row) (*store.RepoInfo, error) {
	var info store.RepoInfo
	var raw []byte
	err := row.Scan(&info.ID, &raw, &info.ReleaseVer, &info.BaseArch, &info.Infra)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &info.BaseURLs); err != nil {
		return nil, fmt.Errorf("repo info %d has malformed baseurls: %w", info.ID, err)
	}
	return &info, nil
}

func (s *Store) SaveScanReport(ctx context.Context, report *store.ScanReport) error {
	logs := report.Logs
	if len(logs) == 0 {
		logs = json.RawMessage("null")
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO scan_reports (image_id, scanner, status, message, logs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, report.ImageID, report.Scanner, report.Status, report.Message, []byte(logs), report.CreatedAt).Scan(&report.ID)
	if err != nil {
		return fmt.Errorf("failed to save %s report for image %d: %w", report.Scanner, report.ImageID, err)
	}
	return nil
}

func (s *Store) ListScanReports(ctx context.Context, imageID int64) ([]store.ScanReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, image_id, scanner, status, message, logs, created_at
		FROM scan_reports
		WHERE image_id = $1
		ORDER BY created_at DESC
	`, imageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ScanReport
	for rows.Next() {
		var r store.ScanReport
		var logs []byte
		if err := rows.Scan(&r.ID, &r.ImageID, &r.Scanner, &r.Status, &r.Message, &logs, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Logs = logs
		out = append(out, r)
	}
	return out, rows.Err()
}
