// Package drift turns upstream package change events into rebuild flags on
// the images that contain an outdated version of the package.
package drift

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"imagepipe/internal/bus"
	"imagepipe/internal/logger"
	"imagepipe/internal/observability"
	"imagepipe/internal/store"
	"imagepipe/internal/worker"
)

// DefaultTopicSuffixes are the package change topics acted upon.
var DefaultTopicSuffixes = []string{"package.added", "package.modified", "package.removed"}

// Config holds configuration for the detector.
type Config struct {
	TopicSuffixes []string
}

// PackageInfo identifies a package version announced upstream.
type PackageInfo struct {
	Name    string `json:"name"`
	Arch    string `json:"arch"`
	Version string `json:"version"`
	Release string `json:"release"`
}

// Event is a decoded package change.
type Event struct {
	Package PackageInfo
	// Upstream restricts the change to images built against this RepoInfo.
	Upstream *int64
}

// ParseEvent decodes a bus body of the form
// {"msg": {"package": {...}, "upstream": <id>}}. upstream may be a number,
// a numeric string, null or absent.
func ParseEvent(body []byte) (Event, error) {
	var envelope struct {
		Msg *struct {
			Package  *PackageInfo    `json:"package"`
			Upstream json.RawMessage `json:"upstream"`
		} `json:"msg"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if envelope.Msg == nil || envelope.Msg.Package == nil {
		return Event{}, errors.New("decode event: missing msg.package")
	}
	pkg := *envelope.Msg.Package
	if pkg.Name == "" || pkg.Arch == "" {
		return Event{}, errors.New("decode event: package name and arch are required")
	}
	if pkg.Version == "" || pkg.Release == "" {
		return Event{}, fmt.Errorf("decode event: package %s.%s has no version or release", pkg.Name, pkg.Arch)
	}

	upstream, err := parseUpstream(envelope.Msg.Upstream)
	if err != nil {
		return Event{}, err
	}
	return Event{Package: pkg, Upstream: upstream}, nil
}

func parseUpstream(raw json.RawMessage) (*int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode upstream: %w", err)
		}
	}
	id, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("upstream %s is not a repository id", raw)
	}
	return &id, nil
}

// Detector listens for package changes and flags affected images.
type Detector struct {
	subscriber  bus.Subscriber
	packages    store.PackageStore
	images      store.ImageStore
	config      Config
	logger      *slog.Logger
	instruments *observability.Instruments
}

// Option customizes a Detector.
type Option func(*Detector)

// WithInstruments counts flagged images on inst.
func WithInstruments(inst *observability.Instruments) Option {
	return func(d *Detector) { d.instruments = inst }
}

// New creates a detector.
func New(sub bus.Subscriber, packages store.PackageStore, images store.ImageStore, log *slog.Logger, cfg Config, opts ...Option) *Detector {
	if len(cfg.TopicSuffixes) == 0 {
		cfg.TopicSuffixes = DefaultTopicSuffixes
	}
	d := &Detector{
		subscriber: sub,
		packages:   packages,
		images:     images,
		config:     cfg,
		logger:     log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Relevant reports whether topic announces a package change.
func (d *Detector) Relevant(topic string) bool {
	for _, suffix := range d.config.TopicSuffixes {
		if strings.HasSuffix(topic, suffix) {
			return true
		}
	}
	return false
}

// Run processes events until ctx is done (returns nil) or an event cannot
// be handled (returns the error after logging it as critical).
func (d *Detector) Run(ctx context.Context) error {
	d.logger.Info("listening for package updates", "topics", d.config.TopicSuffixes)
	for {
		ev, err := d.subscriber.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("package update listener stopping")
				return nil
			}
			err = worker.Transport("receive", err)
			logger.Critical(ctx, d.logger, "package update listener errored out", "error", err)
			return err
		}
		if !d.Relevant(ev.Topic) {
			continue
		}

		change, err := ParseEvent(ev.Body)
		if err != nil {
			err = worker.Parse(ev.Topic, err)
			logger.Critical(ctx, d.logger, "package update listener errored out", "error", err, "topic", ev.Topic)
			return err
		}
		if _, err := d.Reconcile(ctx, change); err != nil {
			logger.Critical(ctx, d.logger, "package update listener errored out", "error", err, "topic", ev.Topic)
			return err
		}
	}
}

// Reconcile flags every image containing a recorded version of the package
// that differs from the announced one. It returns the number of images
// flagged; each recorded version is flagged in one atomic update.
func (d *Detector) Reconcile(ctx context.Context, ev Event) (int64, error) {
	pkgs, err := d.packages.FilterPackages(ctx, ev.Package.Name, ev.Package.Arch)
	if err != nil {
		return 0, fmt.Errorf("filter packages %s/%s: %w", ev.Package.Name, ev.Package.Arch, err)
	}

	var total int64
	for _, p := range pkgs {
		if p.Version == ev.Package.Version && p.Release == ev.Package.Release {
			continue
		}
		d.logger.Info("package changed", "package", p.NAVR(),
			"version", ev.Package.Version, "release", ev.Package.Release)

		n, err := d.images.MarkImagesForBuild(ctx, p.ID, ev.Upstream)
		if err != nil {
			return total, fmt.Errorf("mark images for build (package %s): %w", p.NAVR(), err)
		}
		total += n
		d.logger.Info("images marked for build", "package", p.NAVR(), "count", n)
		if d.instruments != nil {
			d.instruments.ImagesFlagged.Add(ctx, n)
		}
	}
	return total, nil
}
