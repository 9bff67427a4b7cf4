package pipeline

import (
	"fmt"
	"sync"

	"github.com/temperhq/temper/internal/screen"
)

// runParallel dispatches one worker goroutine per screen and blocks until
// every worker has finished. Fan-out is unbounded and workers carry no
// deadline of their own; the external tool decides how long a unit takes.
func (p *Pipeline) runParallel(names []string, action func(name string) error) {
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			p.runGuarded(name, action)
		}(name)
	}
	wg.Wait()
}

// runGuarded contains a worker failure to its own screen: the screen is
// marked errored and the failure is logged, and the siblings and the phase
// proceed untouched. A panicking worker is treated the same way.
func (p *Pipeline) runGuarded(name string, action func(name string) error) {
	defer func() {
		if r := recover(); r != nil {
			p.failScreen(name, fmt.Errorf("worker panic: %v", r))
		}
	}()
	if err := action(name); err != nil {
		p.failScreen(name, err)
	}
}

func (p *Pipeline) failScreen(name string, err error) {
	p.mu.Lock()
	if s, ok := p.screens[name]; ok {
		s.Status = screen.StatusError
		s.Error = err.Error()
	}
	p.appendErrorLocked(fmt.Sprintf("%s: %v", name, err))
	p.mu.Unlock()
	p.log.Error("%s: %v", name, err)
}
