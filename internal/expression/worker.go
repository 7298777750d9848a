package expression

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ResultType tags a worker envelope.
type ResultType string

const (
	ResultDone  ResultType = "done"
	ResultError ResultType = "error"
)

// Result is the single envelope an isolated evaluation produces. Exactly one
// envelope is delivered per invocation; late or duplicate sends are dropped.
type Result struct {
	Type    ResultType
	Payload interface{}
	Err     string
}

// RunIsolated evaluates an untrusted expression on its own goroutine and
// waits for its single result envelope. A panic inside the evaluation is
// reported as an error envelope, never propagated.
func (e *Engine) RunIsolated(ctx context.Context, expr string, input map[string]interface{}) (interface{}, error) {
	results := make(chan Result, 1)
	var once sync.Once
	send := func(r Result) {
		once.Do(func() { results <- r })
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				send(Result{Type: ResultError, Err: fmt.Sprint("expression panicked: ", r)})
			}
		}()
		payload, err := e.Eval(expr, input)
		if err != nil {
			send(Result{Type: ResultError, Err: err.Error()})
			return
		}
		send(Result{Type: ResultDone, Payload: payload})
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-results:
		if r.Type != ResultDone {
			return nil, errors.New(r.Err)
		}
		return r.Payload, nil
	}
}
