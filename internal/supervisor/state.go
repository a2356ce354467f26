package supervisor

import (
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	conduitv1alpha1 "github.com/anvil-platform/conduit/api/v1alpha1"
)

// State is the lifecycle state of an ExecutionContext.
type State int32

const (
	Created State = iota
	Resolving
	Loading
	Starting
	Running
	Failed
	Stopping
	Stopped
)

var stateNames = [...]string{"Created", "Resolving", "Loading", "Starting", "Running", "Failed", "Stopping", "Stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition happens without a caller.
func (s State) Terminal() bool {
	return s == Failed || s == Stopped
}

func (s State) phase() conduitv1alpha1.PipelinePhase {
	switch s {
	case Running:
		return conduitv1alpha1.PipelinePhaseRunning
	case Failed:
		return conduitv1alpha1.PipelinePhaseFailed
	case Stopping, Stopped:
		return conduitv1alpha1.PipelinePhaseStopped
	default:
		return conduitv1alpha1.PipelinePhasePending
	}
}

// Condition types on Pipeline.Status.
const (
	ConditionDiscovered = "Discovered"
	ConditionResolved   = "ArtifactsResolved"
	ConditionLoaded     = "Loaded"
	ConditionRunning    = "Running"
)

// Condition reasons.
const (
	ReasonSucceeded = "Succeeded"
	ReasonFailed    = "Failed"
	ReasonPending   = "Pending"
	ReasonStopped   = "Stopped"
)

// phaseConditions maps failure phases to the condition they falsify.
var phaseConditions = map[string]string{
	phaseDiscover: ConditionDiscovered,
	phaseResolve:  ConditionResolved,
	phaseLoad:     ConditionLoaded,
	phaseStart:    ConditionRunning,
	phaseRun:      ConditionRunning,
}

func setPipelineCondition(p *conduitv1alpha1.Pipeline, condType string, status metav1.ConditionStatus, reason, message string) {
	if p == nil {
		return
	}
	meta.SetStatusCondition(&p.Status.Conditions, metav1.Condition{
		Type:               condType,
		Status:             status,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: p.Generation,
	})
}
