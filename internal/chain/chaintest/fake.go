// Package chaintest provides an in-memory chain.Reader for tests.
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/basket/escrowmirror/internal/chain"
)

// Fake is a programmable escrow. The zero value is unusable; use New.
type Fake struct {
	mu      sync.Mutex
	chainID uint64
	head    uint64
	tasks   map[uint64]chain.OnChainTask
	counter uint64
	events  []chain.TaskEvent
	noCode  bool
	err     error
	calls   map[string]int
}

var _ chain.Reader = (*Fake)(nil)

func New(chainID uint64) *Fake {
	return &Fake{chainID: chainID, tasks: map[uint64]chain.OnChainTask{}, calls: map[string]int{}}
}

// AddTask stores a task and raises the counter to cover it.
func (f *Fake) AddTask(t chain.OnChainTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.TaskID] = t
	if t.TaskID > f.counter {
		f.counter = t.TaskID
	}
}

// Accept sets the helper and moves the task to InProgress.
func (f *Fake) Accept(taskID uint64, helper string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	t.Helper = common.HexToAddress(helper)
	t.Status = chain.StatusInProgress
	f.tasks[taskID] = t
}

func (f *Fake) SetStatus(taskID uint64, s chain.TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[taskID]
	t.Status = s
	f.tasks[taskID] = t
}

func (f *Fake) SetCounter(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter = n
}

func (f *Fake) SetHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

// AddEvent appends a log returned by FilterTaskEvents when in range.
func (f *Fake) AddEvent(ev chain.TaskEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if ev.BlockNumber > f.head {
		f.head = ev.BlockNumber
	}
}

// SetError makes every call fail with err until cleared with nil.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) SetNoCode(noCode bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noCode = noCode
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) enter(method string) error {
	f.calls[method]++
	return f.err
}

func (f *Fake) ChainID(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainID, f.enter("ChainID")
}

func (f *Fake) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.enter("BlockNumber")
}

func (f *Fake) TaskCounter(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter, f.enter("TaskCounter")
}

func (f *Fake) Task(_ context.Context, id uint64) (chain.OnChainTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Task"); err != nil {
		return chain.OnChainTask{}, err
	}
	t, ok := f.tasks[id]
	if !ok {
		return chain.OnChainTask{TaskID: id}, nil
	}
	return t, nil
}

func (f *Fake) HasCode(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.noCode, f.enter("HasCode")
}

func (f *Fake) FilterTaskEvents(_ context.Context, from, to uint64) ([]chain.TaskEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("FilterTaskEvents"); err != nil {
		return nil, err
	}
	if from > to {
		return nil, fmt.Errorf("invalid range %d..%d", from, to)
	}
	var out []chain.TaskEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}
