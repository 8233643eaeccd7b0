package domain

// Tier is a reward-quality level derived from the accumulated conversation score.
type Tier string

const (
	TierBase      Tier = "base"
	TierTechnical Tier = "technical"
	TierAnnotated Tier = "annotated"
)

// TierForScore derives the reward tier of a finished conversation.
func TierForScore(score int) Tier {
	switch {
	case score >= DefaultExcellenceThreshold:
		return TierAnnotated
	case score >= 0:
		return TierTechnical
	default:
		return TierBase
	}
}

// AcquisitionTier is the tier an item acquisition is delivered at. A tier
// recorded on the transaction wins. A transaction opened by the running
// conversation gets the tier its score currently earns. Anything else gets
// TierBase.
func AcquisitionTier(recorded, txID string, flow FlowSnapshot) Tier {
	if recorded != "" {
		return ParseTier(recorded)
	}
	if flow.Active() && txID != "" && flow.Context.Transactions[TxItemAcquisition] == txID {
		return TierForScore(flow.Context.Score)
	}
	return TierBase
}

// ParseTier maps a stored tier name back to a Tier, defaulting to TierBase.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierTechnical, TierAnnotated:
		return Tier(s)
	}
	return TierBase
}
