package buildinfo

import (
	"strings"
	"testing"
)

func TestBuildInfo_Keys(t *testing.T) {
	info := BuildInfo()
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("BuildInfo() missing key %q", k)
		}
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "cartwright/") {
		t.Errorf("UserAgent() = %q, want cartwright/ prefix", ua)
	}
	if !strings.HasSuffix(ua, Version) {
		t.Errorf("UserAgent() = %q, want suffix %q", ua, Version)
	}
}
