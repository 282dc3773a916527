package drift

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"imagepipe/internal/bus"
	"imagepipe/internal/logger"
	"imagepipe/internal/store"
	"imagepipe/internal/store/memory"
	"imagepipe/internal/worker"
)

// MockSubscriber replays Events, then fails with Err or, when Err is nil,
// calls Done and waits for ctx.
type MockSubscriber struct {
	Events []bus.Event
	Err    error
	Done   func()
	next   int
}

func (m *MockSubscriber) Next(ctx context.Context) (bus.Event, error) {
	if m.next < len(m.Events) {
		m.next++
		return m.Events[m.next-1], nil
	}
	if m.Err != nil {
		return bus.Event{}, m.Err
	}
	if m.Done != nil {
		m.Done()
	}
	<-ctx.Done()
	return bus.Event{}, ctx.Err()
}

func (m *MockSubscriber) Close() error { return nil }

// world holds image "app/foo:1" with foo-1.0-1.x86_64, built against repo 1.
type world struct {
	store *memory.Store
	repo  int64
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	s := memory.New()

	info, _ := s.GetOrCreateRepoInfo(ctx, store.RepoInfo{BaseURLs: []string{"http://mirror.centos.org/7/os/"}, ReleaseVer: "7", BaseArch: "x86_64"})
	foo, _ := s.GetOrCreatePackage(ctx, store.Package{Name: "foo", Version: "1.0", Release: "1", Arch: "x86_64"})
	bar, _ := s.GetOrCreatePackage(ctx, store.Package{Name: "bar", Version: "2.0", Release: "1", Arch: "x86_64"})

	img, _ := s.CreateImage(ctx, "app/foo:1")
	_ = s.AddImagePackages(ctx, img.ID, []int64{foo.ID, bar.ID})
	_ = s.SetImageRepoInfo(ctx, img.ID, info.ID)

	other, _ := s.CreateImage(ctx, "app/bar:1")
	_ = s.AddImagePackages(ctx, other.ID, []int64{bar.ID})

	return &world{store: s, repo: info.ID}
}

func (w *world) toBuild(t *testing.T, name string) bool {
	t.Helper()
	img, err := w.store.GetImageByName(context.Background(), name)
	if err != nil {
		t.Fatalf("GetImageByName(%s): %v", name, err)
	}
	return img.ToBuild
}

func newDetector(w *world, sub bus.Subscriber, buf *bytes.Buffer) *Detector {
	return New(sub, w.store, w.store, logger.NewWithWriter(buf, "debug"), Config{})
}

func int64p(v int64) *int64 { return &v }

func TestReconcile(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		upstream func(w *world) *int64
		want     bool
	}{
		{
			name:  "new version flags image",
			event: Event{Package: PackageInfo{Name: "foo", Arch: "x86_64", Version: "1.1", Release: "1"}},
			want:  true,
		},
		{
			name:  "new release flags image",
			event: Event{Package: PackageInfo{Name: "foo", Arch: "x86_64", Version: "1.0", Release: "2"}},
			want:  true,
		},
		{
			name:  "identical version leaves image",
			event: Event{Package: PackageInfo{Name: "foo", Arch: "x86_64", Version: "1.0", Release: "1"}},
			want:  false,
		},
		{
			name:  "other arch leaves image",
			event: Event{Package: PackageInfo{Name: "foo", Arch: "aarch64", Version: "1.1", Release: "1"}},
			want:  false,
		},
		{
			name:     "matching upstream flags image",
			event:    Event{Package: PackageInfo{Name: "foo", Arch: "x86_64", Version: "1.1", Release: "1"}},
			upstream: func(w *world) *int64 { return int64p(w.repo) },
			want:     true,
		},
		{
			name:     "other upstream leaves image",
			event:    Event{Package: PackageInfo{Name: "foo", Arch: "x86_64", Version: "1.1", Release: "1"}},
			upstream: func(w *world) *int64 { return int64p(w.repo + 100) },
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld(t)
			ev := tt.event
			if tt.upstream != nil {
				ev.Upstream = tt.upstream(w)
			}

			n, err := newDetector(w, &MockSubscriber{}, &bytes.Buffer{}).Reconcile(context.Background(), ev)
			if err != nil {
				t.Fatalf("Reconcile failed: %v", err)
			}
			if got := w.toBuild(t, "app/foo:1"); got != tt.want {
				t.Errorf("to_build = %v, want %v", got, tt.want)
			}
			if (n == 1) != tt.want {
				t.Errorf("flagged count %d", n)
			}
			if w.toBuild(t, "app/bar:1") {
				t.Error("image without the package must not be flagged")
			}
		})
	}
}

func TestReconcile_NeverClearsFlag(t *testing.T) {
	w := newWorld(t)
	d := newDetector(w, &MockSubscriber{}, &bytes.Buffer{})
	ctx := context.Background()

	_, _ = d.Reconcile(ctx, Event{Package: PackageInfo{Name: "foo", Arch: "x86_64", Version: "1.1", Release: "1"}})
	_, _ = d.Reconcile(ctx, Event{Package: PackageInfo{Name: "foo", Arch: "x86_64", Version: "1.0", Release: "1"}})

	if !w.toBuild(t, "app/foo:1") {
		t.Error("a later matching event must not clear to_build")
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		upstream *int64
		wantErr  bool
	}{
		{name: "no upstream", body: `{"msg": {"package": {"name": "foo", "arch": "x86_64", "version": "1.1", "release": "1"}}}`},
		{name: "null upstream", body: `{"msg": {"package": {"name": "foo", "arch": "x86_64", "version": "1.1", "release": "1"}, "upstream": null}}`},
		{name: "numeric upstream", body: `{"msg": {"package": {"name": "foo", "arch": "x86_64", "version": "1.1", "release": "1"}, "upstream": 7}}`, upstream: int64p(7)},
		{name: "string upstream", body: `{"msg": {"package": {"name": "foo", "arch": "x86_64", "version": "1.1", "release": "1"}, "upstream": "12"}}`, upstream: int64p(12)},
		{name: "non-numeric upstream", body: `{"msg": {"package": {"name": "foo", "arch": "x86_64", "version": "1.1", "release": "1"}, "upstream": "centos-7"}}`, wantErr: true},
		{name: "missing package", body: `{"msg": {"upstream": 1}}`, wantErr: true},
		{name: "missing arch", body: `{"msg": {"package": {"name": "foo"}}}`, wantErr: true},
		{name: "missing version", body: `{"msg": {"package": {"name": "foo", "arch": "x86_64", "release": "1"}}}`, wantErr: true},
		{name: "missing release", body: `{"msg": {"package": {"name": "foo", "arch": "x86_64", "version": "1.1"}}}`, wantErr: true},
		{name: "not json", body: `package foo changed`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (ev.Upstream == nil) != (tt.upstream == nil) || (ev.Upstream != nil && *ev.Upstream != *tt.upstream) {
				t.Errorf("upstream = %v, want %v", ev.Upstream, tt.upstream)
			}
			if ev.Package.Name != "foo" {
				t.Errorf("unexpected package %+v", ev.Package)
			}
		})
	}
}

func TestRun_FiltersTopics(t *testing.T) {
	w := newWorld(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	change := []byte(`{"msg": {"package": {"name": "foo", "arch": "x86_64", "version": "1.1", "release": "1"}}}`)
	sub := &MockSubscriber{
		Events: []bus.Event{
			{Topic: "org.fedoraproject.prod.buildsys.build.state.change", Body: []byte(`not even json`)},
			{Topic: "org.centos.prod.pkgdb.package.modified", Body: change},
		},
		Done: cancel,
	}

	if err := newDetector(w, sub, &bytes.Buffer{}).Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !w.toBuild(t, "app/foo:1") {
		t.Error("relevant event not applied")
	}
}

func TestRun_FailsFast(t *testing.T) {
	t.Run("malformed event", func(t *testing.T) {
		w := newWorld(t)
		var buf bytes.Buffer
		sub := &MockSubscriber{Events: []bus.Event{
			{Topic: "org.centos.prod.pkgdb.package.added", Body: []byte(`{"msg": {}}`)},
			{Topic: "org.centos.prod.pkgdb.package.added", Body: []byte(`{"msg": {"package": {"name": "foo", "arch": "x86_64", "version": "9"}}}`)},
		}}

		err := newDetector(w, sub, &buf).Run(context.Background())
		if worker.KindOf(err) != worker.KindParse {
			t.Fatalf("expected parse error, got %v", err)
		}
		if !strings.Contains(buf.String(), `"level":"CRITICAL"`) {
			t.Errorf("expected CRITICAL log, got %s", buf.String())
		}
		if w.toBuild(t, "app/foo:1") {
			t.Error("events after a failure must not be processed")
		}
	})

	t.Run("event without version", func(t *testing.T) {
		w := newWorld(t)
		sub := &MockSubscriber{Events: []bus.Event{
			{Topic: "org.centos.prod.pkgdb.package.modified", Body: []byte(`{"msg": {"package": {"name": "bar", "arch": "x86_64"}}}`)},
		}}

		err := newDetector(w, sub, &bytes.Buffer{}).Run(context.Background())
		if worker.KindOf(err) != worker.KindParse {
			t.Fatalf("expected parse error, got %v", err)
		}
		for _, name := range []string{"app/foo:1", "app/bar:1"} {
			if w.toBuild(t, name) {
				t.Errorf("%s flagged by an event without a version", name)
			}
		}
	})

	t.Run("bus failure", func(t *testing.T) {
		w := newWorld(t)
		sub := &MockSubscriber{Err: errors.New("connection reset")}

		err := newDetector(w, sub, &bytes.Buffer{}).Run(context.Background())
		if worker.KindOf(err) != worker.KindTransport {
			t.Errorf("expected transport error, got %v", err)
		}
	})
}

func TestRelevant(t *testing.T) {
	d := New(&MockSubscriber{}, nil, nil, logger.NewWithWriter(&bytes.Buffer{}, "info"), Config{})
	for topic, want := range map[string]bool{
		"org.fedoraproject.prod.pkgdb.package.added":    true,
		"org.fedoraproject.prod.pkgdb.package.removed":  true,
		"org.fedoraproject.prod.pkgdb.package.modified": true,
		"org.fedoraproject.prod.pkgdb.package.retired":  false,
	} {
		if got := d.Relevant(topic); got != want {
			t.Errorf("Relevant(%q) = %v, want %v", topic, got, want)
		}
	}
}
