package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanCyclesThroughNewsgroups(t *testing.T) {
	p := Plan(3, []string{"alt.binaries.a", "alt.binaries.b"})
	assert.Equal(t, 3, p.Copies)
	assert.Equal(t, []string{"alt.binaries.a", "alt.binaries.b", "alt.binaries.a"}, p.Newsgroups)
}

func TestPlanDefaultsToOneCopy(t *testing.T) {
	p := Plan(0, []string{"alt.binaries.a"})
	assert.Equal(t, 1, p.Copies)
}
