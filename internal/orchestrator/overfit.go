package orchestrator

import (
	"fmt"

	"github.com/danielpatrickdp/querytune/internal/trajectory"
)

// #region detect-overfitting
// DetectOverfitting compares the oldest and newest of the last window records
// that carry held-out metrics. It warns when train accuracy rose while
// held-out accuracy stayed flat or fell. It returns nil otherwise, including
// when fewer than two such records exist.
func DetectOverfitting(records []trajectory.Record, window int) *Warning {
	if window < 2 {
		window = 2
	}
	var withHeldOut []trajectory.Record
	for _, r := range records {
		if r.HeldOut != nil {
			withHeldOut = append(withHeldOut, r)
		}
	}
	if len(withHeldOut) < 2 {
		return nil
	}
	if len(withHeldOut) > window {
		withHeldOut = withHeldOut[len(withHeldOut)-window:]
	}
	first, last := withHeldOut[0], withHeldOut[len(withHeldOut)-1]

	trainDelta := last.Train.Accuracy - first.Train.Accuracy
	heldDelta := last.HeldOut.Accuracy - first.HeldOut.Accuracy
	if trainDelta <= 0 || heldDelta > 0 {
		return nil
	}
	verb := "stayed flat"
	if heldDelta < 0 {
		verb = "fell"
	}
	return &Warning{
		Iteration:    last.Sequence,
		TrainDelta:   trainDelta,
		HeldOutDelta: heldDelta,
		Message: fmt.Sprintf("possible overfitting: train accuracy rose %.1f points over iterations %d-%d while held-out accuracy %s (%+.1f)",
			trainDelta, first.Sequence, last.Sequence, verb, heldDelta),
	}
}

// #endregion detect-overfitting
