package imagescan

import (
	"reflect"
	"testing"

	"imagepipe/internal/store"
)

func TestParseNVRA(t *testing.T) {
	tests := []struct {
		in      string
		want    store.Package
		wantErr bool
	}{
		{in: "bash-5.1.8-6.el9.x86_64", want: store.Package{Name: "bash", Version: "5.1.8", Release: "6.el9", Arch: "x86_64"}},
		{in: "python3-libs-3.9.16-1.el9.noarch", want: store.Package{Name: "python3-libs", Version: "3.9.16", Release: "1.el9", Arch: "noarch"}},
		{in: "gpg-pubkey-8483c65d-5ccc5b19", want: store.Package{Name: "gpg-pubkey", Version: "8483c65d", Release: "5ccc5b19"}},
		{in: "kernel", wantErr: true},
		{in: "foo-1.0", wantErr: true},
		{in: "-1.0-1.x86_64", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseNVRA(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParsePackages(t *testing.T) {
	output := "bash|5.1.8|6.el9|x86_64\n\nzlib-1.2.11-40.el9.x86_64\ngpg-pubkey|8483c65d|5ccc5b19|(none)\nbash|5.1.8|6.el9|x86_64\n"

	got, err := ParsePackages(output)
	if err != nil {
		t.Fatalf("ParsePackages failed: %v", err)
	}
	want := []store.Package{
		{Name: "bash", Version: "5.1.8", Release: "6.el9", Arch: "x86_64"},
		{Name: "zlib", Version: "1.2.11", Release: "40.el9", Arch: "x86_64"},
		{Name: "gpg-pubkey", Version: "8483c65d", Release: "5ccc5b19"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v\nwant %+v", got, want)
	}

	if _, err := ParsePackages("bash|5.1\n"); err == nil {
		t.Error("expected error for a short field line")
	}
}

func TestParseRepoURLs(t *testing.T) {
	output := "Loaded plugins: fastestmirror, ovl\n" +
		`[["base", "http://mirrorlist.centos.org/?release=7&arch=x86_64&repo=os", []], ` +
		`["epel", null, ["http://dl.fedoraproject.org/pub/epel/7/x86_64/", " http://mirror.example.com/epel/ "]], ` +
		`["updates", "http://mirrorlist.centos.org/?release=7&arch=x86_64&repo=os", ["http://dl.fedoraproject.org/pub/epel/7/x86_64/"]]]` + "\n"

	got, err := ParseRepoURLs(output)
	if err != nil {
		t.Fatalf("ParseRepoURLs failed: %v", err)
	}
	want := []string{
		"http://dl.fedoraproject.org/pub/epel/7/x86_64/",
		"http://mirror.example.com/epel/",
		"http://mirrorlist.centos.org/?release=7&arch=x86_64&repo=os",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v\nwant %v", got, want)
	}
}

func TestParseRepoURLs_Errors(t *testing.T) {
	for _, in := range []string{"", "not json", `[["base", null]]`, `[[1, null, []]]`} {
		if _, err := ParseRepoURLs(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestParseYumVars(t *testing.T) {
	got, err := ParseYumVars("warning: cache stale\n" + `{"basearch": "x86_64", "releasever": "7", "infra": "container", "arch": "ia32e"}`)
	if err != nil {
		t.Fatalf("ParseYumVars failed: %v", err)
	}
	if got != (YumVars{BaseArch: "x86_64", ReleaseVer: "7", Infra: "container"}) {
		t.Errorf("unexpected vars %+v", got)
	}

	if _, err := ParseYumVars(`{"basearch": "x86_64"}`); err == nil {
		t.Error("expected error without releasever")
	}
}
