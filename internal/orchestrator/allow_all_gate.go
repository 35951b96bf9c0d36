package orchestrator

import "context"

// AllowAllUsageGate is the default UsageGate used when no external usage
// accounting policy component is configured (spec §1 "out of scope:
// billing plan/usage accounting policy"). It admits every block.
type AllowAllUsageGate struct{}

// Allow always admits.
func (AllowAllUsageGate) Allow(ctx context.Context, userID, documentID string, blockIdx int, usageMultiplier float64) (bool, string, error) {
	return true, "", nil
}
