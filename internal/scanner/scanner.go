// Package scanner runs an atomic scanner against an image and normalizes its
// result file into a Report.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"imagepipe/internal/runtime"

	digest "github.com/opencontainers/go-digest"
)

// IDResolver resolves an image name to its content id.
type IDResolver interface {
	ImageID(ctx context.Context, image string) (string, error)
}

// Config names one scanner.
type Config struct {
	// Name as installed for atomic, e.g. "pipeline-scanner".
	Name string
	// ResultFile the scanner exports, e.g. "image_scan_results.json".
	ResultFile string
	// Binary of the atomic CLI (default: atomic).
	Binary string
	// MountRoot is where image filesystems are mounted (default: /).
	MountRoot string
}

// Options tune one scan.
type Options struct {
	ScanType string
	// Rootfs mounts the image and scans the mounted filesystem.
	Rootfs  bool
	Verbose bool
	// Env is set on the atomic scan process.
	Env map[string]string
}

// Report is the normalized result of a scan.
type Report struct {
	ImageUnderTest string          `json:"image_under_test"`
	Scanner        string          `json:"scanner"`
	Message        string          `json:"msg"`
	Status         bool            `json:"status"`
	Logs           json.RawMessage `json:"logs"`
}

// Scanner runs one configured scanner.
type Scanner struct {
	runner   runtime.CommandRunner
	resolver IDResolver
	config   Config
	logger   *slog.Logger
}

// New creates a Scanner.
func New(runner runtime.CommandRunner, resolver IDResolver, cfg Config, log *slog.Logger) *Scanner {
	if cfg.Binary == "" {
		cfg.Binary = "atomic"
	}
	if cfg.MountRoot == "" {
		cfg.MountRoot = "/"
	}
	return &Scanner{
		runner:   runner,
		resolver: resolver,
		config:   cfg,
		logger:   log.With("scanner", cfg.Name),
	}
}

// Name returns the scanner name.
func (s *Scanner) Name() string { return s.config.Name }

// imageHex resolves image to the hex part of its content digest.
func (s *Scanner) imageHex(ctx context.Context, image string) (string, error) {
	id, err := s.resolver.ImageID(ctx, image)
	if err != nil {
		return "", fmt.Errorf("resolve image id of %s: %w", image, err)
	}
	d, err := digest.Parse(id)
	if err != nil {
		d = digest.NewDigestFromEncoded(digest.SHA256, id)
		if verr := d.Validate(); verr != nil {
			return "", fmt.Errorf("image id %q of %s: %w", id, image, err)
		}
	}
	return d.Encoded(), nil
}

// scan is the state of one Scan call.
type scan struct {
	*Scanner
	image     string
	imageID   string
	mountPath string
	mounted   bool
	resultDir string
}

// Scan runs the scanner against image. Tool failures produce a Report with
// Status false; an error means the scan could not be attempted at all.
// Result files and any mount are removed before Scan returns.
func (s *Scanner) Scan(ctx context.Context, image string, opts Options) (Report, error) {
	imageID, err := s.imageHex(ctx, image)
	if err != nil {
		return Report{}, err
	}
	sc := &scan{
		Scanner:   s,
		image:     image,
		imageID:   imageID,
		mountPath: filepath.Join(s.config.MountRoot, imageID),
	}
	defer sc.cleanup(context.WithoutCancel(ctx), opts.Rootfs)

	if opts.Rootfs {
		if err := sc.mount(ctx); err != nil {
			return Report{}, err
		}
	}

	res, err := s.runner.Run(ctx, "env", sc.command(opts)...)
	if err != nil {
		s.logger.Error("atomic scan exited with error", "image", image, "error", err)
	}
	return sc.report(res.Stdout, res.Stderr, opts.Rootfs), nil
}

// command returns the arguments of env(1) running atomic scan.
func (sc *scan) command(opts Options) []string {
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var args []string
	for _, k := range keys {
		args = append(args, k+"="+opts.Env[k])
	}
	args = append(args, sc.config.Binary, "scan", "--scanner="+sc.config.Name)
	if opts.ScanType != "" {
		args = append(args, "--scan_type="+opts.ScanType)
	}
	if opts.Rootfs {
		args = append(args, "--rootfs="+sc.mountPath)
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}
	return append(args, sc.image)
}

// resultPath derives the result file from the scanner's stdout. The last
// token is the result directory, possibly followed by punctuation.
func (sc *scan) resultPath(stdout string, rootfs bool) string {
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return ""
	}
	sc.resultDir, _, _ = strings.Cut(fields[len(fields)-1], ".")
	if rootfs {
		return filepath.Join(sc.resultDir, strings.ReplaceAll(sc.mountPath, "/", "_"), sc.config.ResultFile)
	}
	return filepath.Join(sc.resultDir, sc.imageID, sc.config.ResultFile)
}

func (sc *scan) report(stdout, stderr string, rootfs bool) Report {
	name := sc.config.Name
	if stdout == "" {
		sc.logger.Error("error running scanner", "image", sc.image, "stderr", stderr)
		return sc.normalize(false, fmt.Sprintf("Failed to run scanner %s.", name), nil)
	}

	path := sc.resultPath(stdout, rootfs)
	if path == "" {
		msg := fmt.Sprintf("No scan results found for %s", name)
		sc.logger.Error(msg, "image", sc.image)
		return sc.normalize(false, msg, nil)
	}
	sc.logger.Debug("scanner exported results", "path", path)

	logs, err := readResult(path)
	if err != nil {
		sc.logger.Error("failed to read result file", "path", path, "error", err)
		return sc.normalize(false, fmt.Sprintf("Failed to read %s result file.", name), nil)
	}
	return sc.normalize(true, fmt.Sprintf("%s results", name), logs)
}

// normalize builds the Report. A "Summary" in the scanner's logs replaces
// the default message.
func (sc *scan) normalize(status bool, msg string, logs json.RawMessage) Report {
	if logs == nil {
		logs = json.RawMessage(`{}`)
	}
	var summary struct {
		Summary *string `json:"Summary"`
	}
	if json.Unmarshal(logs, &summary) == nil && summary.Summary != nil {
		msg = *summary.Summary
	}
	return Report{
		ImageUnderTest: ParseImageReference(sc.image).Name,
		Scanner:        sc.config.Name,
		Message:        msg,
		Status:         status,
		Logs:           logs,
	}
}

// readResult loads a result file. Empty or null documents are errors.
func readResult(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, errors.New("result file is not valid JSON")
	}
	switch string(data) {
	case "", "null", "{}", "[]", `""`, "false", "0":
		return nil, errors.New("result file is empty")
	}
	return json.RawMessage(data), nil
}

// mount prepares the mount path and mounts the image read-write on it.
func (sc *scan) mount(ctx context.Context) error {
	if err := sc.cleanMountPath(ctx); err != nil {
		return fmt.Errorf("mount path %s is not ready: %w", sc.mountPath, err)
	}
	if err := os.MkdirAll(sc.mountPath, 0o755); err != nil {
		return fmt.Errorf("create mount path: %w", err)
	}
	if _, err := sc.runner.Run(ctx, sc.config.Binary, "mount", "-o", "rw", sc.imageID, sc.mountPath); err != nil {
		return fmt.Errorf("mount %s at %s: %w", sc.image, sc.mountPath, err)
	}
	sc.mounted = true
	sc.logger.Debug("mounted image", "path", sc.mountPath)
	return nil
}

func (sc *scan) unmount(ctx context.Context) error {
	_, err := sc.runner.Run(ctx, sc.config.Binary, "umount", sc.mountPath)
	if err != nil {
		sc.logger.Warn("failed to unmount", "path", sc.mountPath, "error", err)
		return err
	}
	sc.mounted = false
	return nil
}

// cleanMountPath removes a stale mount path, unmounting it first if it
// cannot be removed as is.
func (sc *scan) cleanMountPath(ctx context.Context) error {
	if info, err := os.Stat(sc.mountPath); err != nil || !info.IsDir() {
		return nil
	}
	if err := os.RemoveAll(sc.mountPath); err == nil {
		return nil
	}
	sc.logger.Warn("mount path exists, unmounting", "path", sc.mountPath)
	if err := sc.unmount(ctx); err != nil {
		return fmt.Errorf("path in use: %w", err)
	}
	return os.RemoveAll(sc.mountPath)
}

func (sc *scan) cleanup(ctx context.Context, rootfs bool) {
	if sc.resultDir != "" && filepath.Clean(sc.resultDir) != string(filepath.Separator) {
		if err := os.RemoveAll(sc.resultDir); err != nil {
			sc.logger.Debug("failed to remove result dir", "path", sc.resultDir, "error", err)
		}
	}
	if !rootfs {
		return
	}
	if sc.mounted {
		_ = sc.unmount(ctx)
	}
	if err := sc.cleanMountPath(ctx); err != nil {
		sc.logger.Warn("failed to remove mount path", "path", sc.mountPath, "error", err)
	}
}
