package main

import (
	"errors"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// #############################################################################

func NewWorkerPool(nJobs, nWorkers int, bar *progressbar.ProgressBar) *WorkerPool {
	Assert(nWorkers > 0)
	return &WorkerPool{nJobs, nWorkers, bar}
}

// Partitions splits [0, nJobs) into nWorkers contiguous ranges. The last range
// takes the remainder. Every participant must derive the same ranges, because
// range i travels on channel i.
func (p *WorkerPool) Partitions() []Partition {
	parts := make([]Partition, p.nWorkers)
	per := p.nJobs / p.nWorkers
	for i := 0; i < p.nWorkers; i++ {
		start := i * per
		end := start + per
		if i == p.nWorkers-1 {
			end = p.nJobs
		}
		parts[i] = Partition{i, start, end, p.bar}
	}
	return parts
}

// Run starts one goroutine per partition and waits for all of them.
func (p *WorkerPool) Run(fn WorkerFunc) error {
	parts := p.Partitions()
	errs := make([]error, len(parts))
	var wg sync.WaitGroup
	for i := range parts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fn(parts[i])
		}(i)
	}
	wg.Wait()
	if p.bar != nil {
		_ = p.bar.Finish()
	}
	return errors.Join(errs...)
}

// RunCollect is Run with a private output buffer per worker. Buffers are
// concatenated in worker order once every worker has joined.
func RunCollect[T any](p *WorkerPool, fn func(Partition) ([]T, error)) ([]T, error) {
	outs := make([][]T, p.nWorkers)
	err := p.Run(func(part Partition) error {
		out, err := fn(part)
		outs[part.Worker] = out
		return err
	})
	if err != nil {
		return nil, err
	}
	var ret []T
	for _, out := range outs {
		ret = append(ret, out...)
	}
	return ret, nil
}

// #############################################################################

func (part Partition) Len() int {
	return part.End - part.Start
}

func (part Partition) Progress() {
	if part.bar != nil {
		_ = part.bar.Add(1)
	}
}
