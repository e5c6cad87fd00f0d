package types

import (
	"regexp"
	"testing"
)

var semver = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.]+)?$`)

func TestVersions(t *testing.T) {
	for name, v := range map[string]string{"Version": Version, "ContractVersion": ContractVersion} {
		if !semver.MatchString(v) {
			t.Errorf("%s = %q, want semver", name, v)
		}
	}
	if ContractVersion != Version {
		t.Errorf("worker contract %q drifted from release %q", ContractVersion, Version)
	}
}
