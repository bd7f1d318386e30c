package automation

// Skip reasons, in rule order.
const (
	SkipHoldSuppressed  = "hold suppressed"
	SkipSignalUnchanged = "signal unchanged"
	SkipBelowConfidence = "confidence below threshold"
)

// Filters are the schedule settings consulted by Decide.
type Filters struct {
	OnlyOnSignalChange bool
	MinConfidence      int
	SendOnHold         bool
}

// Decision is the outcome of Decide. The booleans are always populated,
// even when the run is skipped.
type Decision struct {
	ShouldDispatch   bool
	SignalChanged    bool
	MetMinConfidence bool
	SkipReason       string
}

// Decide evaluates the dispatch rules in fixed order; the first failing
// rule becomes SkipReason. previous is nil when no prior signal was recorded.
func Decide(sig Signal, previous *Action, f Filters) Decision {
	d := Decision{
		SignalChanged:    previous == nil || *previous != sig.Action,
		MetMinConfidence: sig.Confidence >= f.MinConfidence,
	}
	switch {
	case sig.Action == ActionHold && !f.SendOnHold:
		d.SkipReason = SkipHoldSuppressed
	case f.OnlyOnSignalChange && !d.SignalChanged:
		d.SkipReason = SkipSignalUnchanged
	case !d.MetMinConfidence:
		d.SkipReason = SkipBelowConfidence
	default:
		d.ShouldDispatch = true
	}
	return d
}
