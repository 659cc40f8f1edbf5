package daq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pcdshub/go-daq/logger"
)

// TaskFunc performs one iteration of a task managed by the TaskManager.
// It returns true to keep running, false to stop the goroutine.
type TaskFunc func() bool

// TaskManager manages the lifecycle of the session's background goroutines:
// the begin issuer, the run watcher and the backend state poller.
//
// It uses a context to signal cancellation to all running tasks and a
// sync.WaitGroup so that Wait blocks until every task has terminated. After
// Wait returns, the manager is reset and can start tasks again.
type TaskManager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protects ctx and cancel
	taskMu sync.RWMutex // protects task creation during Wait
}

// NewTaskManager creates a TaskManager with ctx as the parent context.
func NewTaskManager(ctx context.Context, log logger.Logger) *TaskManager {
	if log == nil {
		log = logger.GetLogger()
	}
	mgr := &TaskManager{pctx: ctx, logger: log}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the cancellation context shared by all running tasks.
// Blocking task bodies must select on its Done channel.
func (mgr *TaskManager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start launches a named goroutine that invokes taskFunc in a loop until it
// returns false or the manager is stopped.
func (mgr *TaskManager) Start(name string, taskFunc TaskFunc) error {
	mgr.logger.Debug("start task", "name", name)

	ctx := mgr.Context()
	select {
	case <-ctx.Done():
		return fmt.Errorf("task manager already stopped, cannot start %s", name)
	default:
	}

	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				mgr.logger.Error("panic in task", "name", name, "panic", r)
			}
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		for {
			ctx := mgr.Context()
			select {
			case <-ctx.Done():
				return
			default:
				if !taskFunc() {
					return
				}
			}
		}
	}()

	return nil
}

// StartInterval launches a named goroutine that invokes taskFunc at the
// given interval until it returns false or the manager is stopped. If
// runNow is true, taskFunc runs once immediately.
func (mgr *TaskManager) StartInterval(name string, taskFunc TaskFunc, interval time.Duration, runNow bool) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval for task %s: %v", name, interval)
	}

	if runNow && !mgr.callWithRecover(name, taskFunc) {
		mgr.logger.Debug("interval task terminated by first run", "name", name)
		return nil
	}

	ticker := time.NewTicker(interval)

	return mgr.Start(name, func() bool {
		ctx := mgr.Context()
		select {
		case <-ctx.Done():
			ticker.Stop()
			return false
		case <-ticker.C:
			if !mgr.callWithRecover(name, taskFunc) {
				ticker.Stop()
				return false
			}
			return true
		}
	})
}

// Stop signals all running tasks to terminate. It does not wait for them.
func (mgr *TaskManager) Stop() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.cancel != nil {
		mgr.cancel()
	}
}

// Wait blocks until all tasks have terminated, then resets the manager so
// tasks can be started again.
func (mgr *TaskManager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running tasks.
func (mgr *TaskManager) TaskCount() int {
	return int(mgr.count.Load())
}

// callWithRecover invokes a task function with panic protection.
func (mgr *TaskManager) callWithRecover(name string, fn func() bool) bool {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
		}
	}()

	return fn()
}
