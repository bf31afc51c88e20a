package stats

import "github.com/stretchr/testify/mock"

type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Add(name string, delta int) {
	m.Called(name, delta)
}
func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Run() {
	m.Called()
}
func (m *MockStatsUpdater) Stop() {
	m.Called()
}

// NopStats ignores all updates; handy default for tests that don't
// assert on counters.
type NopStats struct{}

func (NopStats) Incr(string)           {}
func (NopStats) Add(string, int)       {}
func (NopStats) RegisterMetric(string) {}
func (NopStats) Run()                  {}
func (NopStats) Stop()                 {}
