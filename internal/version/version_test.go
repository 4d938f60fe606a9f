package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	origVersion, origCommit, origBuildTime := Version, Commit, BuildTime
	defer func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuildTime
	}()

	Version = "1.2.3"
	Commit = "abc1234"
	BuildTime = "2026-01-02T03:04:05Z"

	got := String()
	want := "1.2.3 (abc1234) built 2026-01-02T03:04:05Z"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestUserAgent(t *testing.T) {
	origVersion := Version
	defer func() { Version = origVersion }()

	Version = "dev"
	if ua := UserAgent(); !strings.HasPrefix(ua, "socialsync/") || !strings.HasSuffix(ua, "dev") {
		t.Errorf("UserAgent() = %q, want socialsync/dev", ua)
	}
}
