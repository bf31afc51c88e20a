package stats

import (
	"expvar"
)

// Well-known counter names registered by the session.
const (
	EventsReconciled  = "EventsReconciled"
	BatchesReconciled = "BatchesReconciled"
	ChannelsRecovered = "ChannelsRecovered"
	QueriesRecovered  = "QueriesRecovered"
	RetriesAttempted  = "RetriesAttempted"
	RetriesSucceeded  = "RetriesSucceeded"
)

type StatsProvider interface {
	Incr(name string)
	Add(name string, delta int)
	RegisterMetric(name string)
	Run()
	Stop()
}

// StatsUpdater publishes SDK counters through expvar. Updates flow
// through a channel so counting never contends with the sync engine.
type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
}

type metricsUpdateReq struct {
	name  string
	value int
}

func NewStatsUpdater(name string) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
	}
	su.vars = expvar.NewMap(name)

	for _, metric := range []string{
		EventsReconciled,
		BatchesReconciled,
		ChannelsRecovered,
		QueriesRecovered,
		RetriesAttempted,
		RetriesSucceeded,
	} {
		su.RegisterMetric(metric)
	}

	return su
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		metric := su.vars.Get(req.name)
		if metric == nil {
			continue
		}

		metric.(*expvar.Int).Add(int64(req.value))
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Add(name string, delta int) {
	su.updateChan <- &metricsUpdateReq{name: name, value: delta}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}
