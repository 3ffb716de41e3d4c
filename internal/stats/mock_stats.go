package stats

import "github.com/stretchr/testify/mock"

type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Run() {
	m.Called()
}

// NoopStats satisfies StatsProvider for tests that don't assert on
// metrics.
type NoopStats struct{}

func (NoopStats) Incr(string)           {}
func (NoopStats) Decr(string)           {}
func (NoopStats) RegisterMetric(string) {}
func (NoopStats) Run()                  {}
