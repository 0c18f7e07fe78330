package utils

import "sync"

type CompletedTask[T any] struct {
	Index  int
	Result T
	Error  error
}

// RunInPool applies worker to every input on at most maxWorkers goroutines.
// Results are returned in input order. If any call fails, the error of the
// lowest failing index is returned.
func RunInPool[In any, Out any](worker func(In) (Out, error), inputs []In, maxWorkers int) ([]Out, error) {
	queue := make(chan int, len(inputs))
	for i := range inputs {
		queue <- i
	}
	close(queue)

	completed := make(chan CompletedTask[Out], len(inputs))
	workers := max(1, min(len(inputs), maxWorkers))

	wg := sync.WaitGroup{}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()

			for next := range queue {
				res, err := worker(inputs[next])
				completed <- CompletedTask[Out]{Index: next, Result: res, Error: err}
			}
		}()
	}
	wg.Wait()
	close(completed)

	results := make([]Out, len(inputs))
	firstErr, errIndex := error(nil), len(inputs)
	for task := range completed {
		if task.Error != nil {
			if task.Index < errIndex {
				firstErr, errIndex = task.Error, task.Index
			}
			continue
		}
		results[task.Index] = task.Result
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
