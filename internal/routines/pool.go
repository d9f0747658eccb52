// Package routines provides a bounded pool of goroutines that process
// queued functions.
package routines

import "sync"

// Pool runs queued functions in a fixed number of goroutines.
type Pool struct {
	queue chan func()
	wg    sync.WaitGroup

	terminated bool
	lock       sync.Mutex
}

// NewPool starts a pool of routineCnt goroutines.
func NewPool(routineCnt uint) *Pool {
	p := Pool{
		queue: make(chan func()),
	}

	for i := uint(0); i < routineCnt; i++ {
		p.wg.Add(1)

		go func() {
			defer p.wg.Done()

			for fn := range p.queue {
				fn()
			}
		}()
	}

	return &p
}

// Queue schedules fn for execution.
// It blocks until a goroutine of the pool is free to process it.
// Calling Queue after Wait panics.
func (p *Pool) Queue(fn func()) {
	p.queue <- fn
}

// Wait stops the pool and blocks until all queued functions were processed.
// It can be called multiple times.
func (p *Pool) Wait() {
	p.lock.Lock()
	if !p.terminated {
		p.terminated = true
		close(p.queue)
	}
	p.lock.Unlock()

	p.wg.Wait()
}
