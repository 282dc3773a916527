package store

import (
	"reflect"
	"testing"
	"time"
)

func TestPhaseStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to PhaseStatus
		want     bool
	}{
		{PhaseStatusPending, PhaseStatusProcessing, true},
		{PhaseStatusProcessing, PhaseStatusComplete, true},
		{PhaseStatusProcessing, PhaseStatusFailed, true},
		{PhaseStatusPending, PhaseStatusComplete, false},
		{PhaseStatusPending, PhaseStatusFailed, false},
		{PhaseStatusComplete, PhaseStatusProcessing, false},
		{PhaseStatusComplete, PhaseStatusFailed, false},
		{PhaseStatusFailed, PhaseStatusComplete, false},
		{PhaseStatusProcessing, PhaseStatusPending, false},
		{PhaseStatusProcessing, PhaseStatusProcessing, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNewBuild_CreatesPendingPhases(t *testing.T) {
	now := time.Now()
	b, phases := NewBuild("ns1", now)

	if b.Status != BuildStatusPending || b.Namespace != "ns1" {
		t.Errorf("unexpected build: %+v", b)
	}
	if len(phases) != len(Phases) {
		t.Fatalf("expected %d phases, got %d", len(Phases), len(phases))
	}
	for i, p := range phases {
		if p.BuildID != b.ID {
			t.Errorf("phase %s not linked to build", p.Phase)
		}
		if p.Phase != Phases[i] || p.Status != PhaseStatusPending {
			t.Errorf("unexpected phase %+v", p)
		}
		if p.StartTime != nil || p.EndTime != nil {
			t.Errorf("phase %s should not have timestamps", p.Phase)
		}
	}
}

func TestCanonicalURLs(t *testing.T) {
	got := CanonicalURLs([]string{" http://b/ ", "http://a/", "", "http://b/"})
	want := []string{"http://a/", "http://b/"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRepoInfoKey_OrderIndependent(t *testing.T) {
	a := RepoInfoKey([]string{"http://x/", "http://y/"})
	b := RepoInfoKey([]string{"http://y/", "http://x/", "http://x/"})
	if a != b {
		t.Errorf("keys differ: %s vs %s", a, b)
	}
}

func TestPackage_NAVR(t *testing.T) {
	p := Package{Name: "bash", Version: "4.2.46", Release: "34.el7", Arch: "x86_64"}
	if got := p.NAVR(); got != "bash-4.2.46-34.el7.x86_64" {
		t.Errorf("got %s", got)
	}
}
