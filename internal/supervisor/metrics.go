package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	phaseDiscover = "discover"
	phaseResolve  = "resolve"
	phaseLoad     = "load"
	phaseStart    = "start"
	phaseRun      = "run"
)

var (
	supervisorRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_supervisor_runs_total",
			Help: "Number of pipeline runs started through RunRoutes.",
		},
	)
	supervisorRunFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_supervisor_run_failures_total",
			Help: "Number of failed pipeline runs by lifecycle phase.",
		},
		[]string{"phase"},
	)
	supervisorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conduit_supervisor_state",
			Help: "1 for the current lifecycle state of each pipeline, 0 otherwise.",
		},
		[]string{"pipeline", "state"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		supervisorRunsTotal,
		supervisorRunFailuresTotal,
		supervisorState,
	)
}

func recordState(pipeline string, s State) {
	for i := range stateNames {
		v := 0.0
		if State(i) == s {
			v = 1
		}
		supervisorState.WithLabelValues(pipeline, State(i).String()).Set(v)
	}
}
