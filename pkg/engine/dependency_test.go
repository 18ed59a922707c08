package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecideDependency(t *testing.T) {
	tests := []struct {
		name       string
		registered bool
		request    RequestState
		others     bool
		ignore     bool
		want       DependencyDecision
	}{
		{"install missing", false, RequestStatePresent, false, false,
			DependencyDecision{DependencyActionRegister, DependencyActionUnregister}},
		{"install existing", true, RequestStatePresent, false, false,
			DependencyDecision{DependencyActionNone, DependencyActionNone}},
		{"repair missing", false, RequestStateRepair, true, false,
			DependencyDecision{DependencyActionRegister, DependencyActionUnregister}},
		{"uninstall registered", true, RequestStateAbsent, false, false,
			DependencyDecision{DependencyActionUnregister, DependencyActionRegister}},
		{"uninstall with dependents", true, RequestStateAbsent, true, false,
			DependencyDecision{DependencyActionNone, DependencyActionNone}},
		{"uninstall ignoring dependents", true, RequestStateAbsent, true, true,
			DependencyDecision{DependencyActionUnregister, DependencyActionRegister}},
		{"force absent ignoring dependents", true, RequestStateForceAbsent, true, true,
			DependencyDecision{DependencyActionUnregister, DependencyActionRegister}},
		{"uninstall missing", false, RequestStateAbsent, false, false,
			DependencyDecision{DependencyActionNone, DependencyActionNone}},
		{"cache only", false, RequestStateCache, false, false,
			DependencyDecision{DependencyActionNone, DependencyActionNone}},
		{"none", true, RequestStateNone, false, false,
			DependencyDecision{DependencyActionNone, DependencyActionNone}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecideDependency(tt.registered, tt.request, tt.others, tt.ignore)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBlockingDependents(t *testing.T) {
	reg := &Registration{
		BundleID:           "{SELF}",
		ProviderKey:        "self.key",
		ParentID:           "{PARENT}",
		IgnoreDependencies: []string{"ignored.key"},
		Dependents:         []string{"{SELF}", "self.key", "{PARENT}", "ignored.key", "real.key"},
	}
	assert.Equal(t, []string{"real.key"}, blockingDependents(reg))

	reg.IgnoreDependencies = []string{"ALL"}
	assert.Empty(t, blockingDependents(reg))
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0.0", "1.0.0.0", 0},
		{"1.0", "1.0.0.0", 0},
		{"v2.0.0.0", "1.9.9.9", 1},
		{"1.0.0.10", "1.0.0.9", 1},
		{"1.2", "1.10", -1},
		{"", "0.0.1", -1},
		{"1.0.0.beta", "1.0.0.0", 1},
		{"1.0.0.alpha", "1.0.0.beta", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestRestartStateMax(t *testing.T) {
	assert.Equal(t, RestartRequired, RestartNone.Max(RestartRequired))
	assert.Equal(t, RestartInitiated, RestartRequired.Max(RestartInitiated))
	assert.Equal(t, RestartInitiated, RestartInitiated.Max(RestartNone))
	assert.Equal(t, RestartNone, RestartState("").Max(RestartNone))
}
