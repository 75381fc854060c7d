package runner

import (
	"sync"

	"github.com/oklog/run"
)

// RunStop is anything with a blocking Run and an idempotent Stop.
type RunStop interface {
	Run() error
	Stop(err error)
}

// RunGroup groups port runners and starts/stops them together.
// A thin wrapper around run.Group that adds a Stop() function.
type RunGroup struct {
	name     string
	stop     chan struct{}
	stopOnce sync.Once
	group    run.Group
}

// NewRunGroup creates a new group.
func NewRunGroup(name string) *RunGroup {
	return &RunGroup{name: name, stop: make(chan struct{})}
}

// Add a runner to the group.
func (g *RunGroup) Add(r RunStop) {
	g.group.Add(r.Run, r.Stop)
}

// Run the group. Blocks until the first runner returns or the group is
// stopped; all runners must be added first.
func (g *RunGroup) Run() error {
	g.group.Add(func() error {
		<-g.stop
		return nil
	}, func(_ error) {
		g.Stop(nil)
	})

	return g.group.Run()
}

// Stop the group.
func (g *RunGroup) Stop(_ error) {
	g.stopOnce.Do(func() { close(g.stop) })
}
