package compaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslake/internal/testutil"
)

func TestNewCumulativePolicy_SelectsImplementation(t *testing.T) {
	clock := testutil.NewMockClock(testBaseTime)

	p := NewCumulativePolicy(PolicySizeBased, PolicyTunables{}, clock, nil)
	require.IsType(t, &SizeBasedPolicy{}, p)
	assert.Equal(t, PolicySizeBased, p.Name())

	p = NewCumulativePolicy(PolicyTimeSeries, PolicyTunables{}, clock, nil)
	require.IsType(t, &TimeSeriesPolicy{}, p)
	assert.Equal(t, PolicyTimeSeries, p.Name())

	// Unset and unknown names fall back to the default policy.
	assert.IsType(t, &SizeBasedPolicy{}, NewCumulativePolicy("", PolicyTunables{}, clock, nil))
	assert.IsType(t, &SizeBasedPolicy{}, NewCumulativePolicy("does-not-exist", PolicyTunables{}, clock, nil))
}

func TestPolicyTunables_WithDefaults(t *testing.T) {
	filled := PolicyTunables{}.withDefaults()
	assert.Equal(t, DefaultPolicyTunables(), filled)

	custom := PolicyTunables{MinSingletonDeltas: 2, BaseMinRowsetNum: 10}.withDefaults()
	assert.Equal(t, 2, custom.MinSingletonDeltas)
	assert.Equal(t, 10, custom.BaseMinRowsetNum)
	assert.Equal(t, DefaultPolicyTunables().PromotionRatio, custom.PromotionRatio)
}
