package target

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/origincreativegroup/Loom/internal/model"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		in   string
		want model.TargetKind
	}{
		{"example.com", model.TargetDomain},
		{"sub.example.co.uk", model.TargetDomain},
		{"example.com.", model.TargetDomain},
		{"8.8.8.8", model.TargetIPv4},
		{"2001:db8::1", model.TargetUnknown},
		{"alice@example.com", model.TargetEmail},
		{"j_doe-99", model.TargetUsername},
		{"  ", model.TargetUnknown},
		{"not a target", model.TargetUnknown},
		{"999.1.1.1", model.TargetUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.in), "classify %q", tc.in)
	}
}

func TestSuggestToolsReturnsCopy(t *testing.T) {
	got := SuggestTools(model.TargetUsername)
	assert.Equal(t, []string{"sherlock", "searxng"}, got)
	got[0] = "mutated"
	assert.Equal(t, "sherlock", SuggestTools(model.TargetUsername)[0])
	assert.Equal(t, []string{"searxng"}, SuggestTools(model.TargetKind("bogus")))
}
