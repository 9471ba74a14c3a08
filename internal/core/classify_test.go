package core_test

import (
	"testing"

	"TroveLedger/internal/core"
	fpmath "TroveLedger/internal/math"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	pct := fpmath.Percent
	base := func() core.Candidate {
		return core.Candidate{
			Active:       true,
			ActiveTroves: 3,
			ICR:          pct(150),
			Debt:         fpmath.Units(2000),
			TCR:          pct(200),
			PoolDeposits: fpmath.Units(5000),
			MCR:          pct(110),
		}
	}

	tests := []struct {
		name   string
		modify func(*core.Candidate)
		mode   core.LiquidationMode
		reason core.SkipReason
	}{
		{"inactive", func(c *core.Candidate) { c.Active = false }, core.ModeSkip, core.SkipInactive},
		{"last trove", func(c *core.Candidate) { c.ActiveTroves = 1; c.ICR = pct(50) }, core.ModeSkip, core.SkipLastTrove},
		{"below 100%", func(c *core.Candidate) { c.ICR = pct(99) }, core.ModeFullRedistribution, core.SkipNone},
		{"below 100% in recovery", func(c *core.Candidate) { c.ICR = pct(99); c.RecoveryMode = true }, core.ModeFullRedistribution, core.SkipNone},
		{"exactly 100%", func(c *core.Candidate) { c.ICR = pct(100) }, core.ModePoolThenRedistribution, core.SkipNone},
		{"below mcr", func(c *core.Candidate) { c.ICR = pct(109) }, core.ModePoolThenRedistribution, core.SkipNone},
		{"below mcr with empty pool", func(c *core.Candidate) { c.ICR = pct(105); c.PoolDeposits = fpmath.Zero() }, core.ModePoolThenRedistribution, core.SkipNone},
		{"healthy at mcr", func(c *core.Candidate) { c.ICR = pct(110) }, core.ModeSkip, core.SkipHealthy},
		{"healthy", nil, core.ModeSkip, core.SkipHealthy},
		{"recovery, at tcr", func(c *core.Candidate) { c.RecoveryMode = true; c.TCR = pct(150) }, core.ModeSkip, core.SkipAboveTCR},
		{"recovery, pool too small", func(c *core.Candidate) { c.RecoveryMode = true; c.PoolDeposits = fpmath.Units(1999) }, core.ModeSkip, core.SkipPoolCapacity},
		{"recovery, pool exactly covers", func(c *core.Candidate) { c.RecoveryMode = true; c.PoolDeposits = fpmath.Units(2000) }, core.ModeCappedOffsetWithSurplus, core.SkipNone},
		{"recovery, at mcr", func(c *core.Candidate) { c.RecoveryMode = true; c.ICR = pct(110) }, core.ModeCappedOffsetWithSurplus, core.SkipNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			if tt.modify != nil {
				tt.modify(&c)
			}
			d := core.Classify(c)
			assert.Equal(t, tt.mode, d.Mode)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestLiquidationMode_String(t *testing.T) {
	assert.Equal(t, "CappedOffsetWithSurplus", core.ModeCappedOffsetWithSurplus.String())
	assert.Equal(t, "Skip", core.ModeSkip.String())
	assert.Equal(t, "pool_capacity", core.SkipPoolCapacity.String())
}
