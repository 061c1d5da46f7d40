package scheduler

import (
	"context"
	"sync"
)

type Task func()

// Pool runs submitted tasks on a fixed number of goroutines.
type Pool struct {
	numWorkers int
	tasks      chan Task
	wg         sync.WaitGroup
}

func NewPool(numWorkers int) *Pool {
	return &Pool{
		numWorkers: max(numWorkers, 1),
		tasks:      make(chan Task),
	}
}

func (p *Pool) Start() {
	for range p.numWorkers {
		p.wg.Go(func() {
			for task := range p.tasks {
				task()
			}
		})
	}
}

// Submit blocks until a worker takes task or ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
