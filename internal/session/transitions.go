package session

// transitions is the stage graph. Moving any active stage to StageQueued is
// handled separately as pause-to-queue.
var transitions = map[Stage][]Stage{
	StageQueued:        {StageDiscovery},
	StageDiscovery:     {StagePlanning},
	StagePlanning:      {StageDiscovery, StageImplementing},
	StageImplementing:  {StagePlanning, StageDelivery},
	StageDelivery:      {StageReview},
	StageReview:        {StagePlanning, StageFinalApproval},
	StageFinalApproval: {StagePlanning, StageReview, StageCompleted},
	StageCompleted:     nil,
}

// ValidTargets returns the stages reachable from from, including StageQueued
// for active stages.
func ValidTargets(from Stage) []Stage {
	targets := append([]Stage(nil), transitions[from]...)
	if from.IsActive() {
		targets = append(targets, StageQueued)
	}
	return targets
}

// CanTransition reports whether from→to is an edge of the stage graph.
func CanTransition(from, to Stage) bool {
	for _, t := range ValidTargets(from) {
		if t == to {
			return true
		}
	}
	return false
}
