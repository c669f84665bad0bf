package domain

// SetupJobName marks children whose failure voids the parent's run
// rather than failing it: when a suite's setup stage breaks, the suite
// did not really run.
const SetupJobName = "setup"

// AggregateResult rolls the results of a parent's immediate children up
// into the parent's verdict.
//
// - all pass               -> pass
// - any fail               -> fail, unless a failed "setup" child exists -> incomplete
// - all skip               -> skip
// - anything else (mixed pass/skip, incomplete children) -> pass
//
// A parent without children timing out of its holdoff window aggregates
// to pass as well; callers pass the empty slice for that.
func AggregateResult(children []Node) NodeResult {
	if len(children) == 0 {
		return Pass
	}

	anyFail := false
	setupFail := false
	allSkip := true
	allPass := true
	for _, c := range children {
		switch c.Result {
		case Fail:
			anyFail = true
			if c.Name == SetupJobName {
				setupFail = true
			}
		case Skip:
			allPass = false
			continue
		case Pass:
		default:
			allPass = false
		}
		if c.Result != Skip {
			allSkip = false
		}
	}

	switch {
	case anyFail && setupFail:
		return Incomplete
	case anyFail:
		return Fail
	case allPass:
		return Pass
	case allSkip:
		return Skip
	default:
		return Pass
	}
}

// TimeoutResult is the verdict for a node expired by the reconciler:
// work that was still running is incomplete, a node already waiting in
// available or closing follows the holdoff-completion convention and
// passes.
func TimeoutResult(state NodeState) NodeResult {
	if state == Running {
		return Incomplete
	}
	return Pass
}
