package passage

// RequiredApprovals must all be present before coordination starts.
var RequiredApprovals = []string{"family", "director", "venue"}

// RouteResult is the router's choice of the next node.
type RouteResult struct {
	Next string
	// Fallback is set when the stage had no table entry and the router
	// restarted at requirements gathering.
	Fallback bool
}

// RouterFunc picks the next node from the merged state. It must be pure.
type RouterFunc func(s State) RouteResult

// Route is the default router. Errors win over everything, then pending
// decisions, then the stage table.
func Route(s State) RouteResult {
	if len(s.Errors) > 0 {
		return RouteResult{Next: NodeErrorHandler}
	}
	if len(s.PendingDecisions) > 0 {
		return RouteResult{Next: NodeHumanReview}
	}

	switch s.PlanningStage {
	case StageInitial:
		return RouteResult{Next: NodeRequirementsGathering}
	case StageRequirementsGathering:
		return RouteResult{Next: NodeCulturalAssessment}
	case StageCulturalAssessment:
		return RouteResult{Next: NodeDocumentCollection}
	case StageDocumentCollection:
		if containsAll(s.DocumentsCollected, s.DocumentsRequired) {
			return RouteResult{Next: NodeVenueSelection}
		}
		return RouteResult{Next: NodeDocumentCollection}
	case StageVenueSelection:
		return RouteResult{Next: NodeServicePlanning}
	case StageServicePlanning:
		return RouteResult{Next: NodeApprovalProcess}
	case StageApprovalProcess:
		if containsAll(s.Approvals, RequiredApprovals) {
			return RouteResult{Next: NodeCoordination}
		}
		return RouteResult{Next: NodeHumanReview}
	case StageCoordination, StageCompleted:
		return RouteResult{Next: NodeCompleted}
	default:
		return RouteResult{Next: NodeRequirementsGathering, Fallback: true}
	}
}

// containsAll reports whether have contains every element of want.
func containsAll(have, want []string) bool {
	return len(missing(have, want)) == 0
}

// missing returns the elements of want absent from have, in want order.
func missing(have, want []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	var out []string
	for _, w := range want {
		if _, ok := set[w]; !ok {
			out = append(out, w)
		}
	}
	return out
}
