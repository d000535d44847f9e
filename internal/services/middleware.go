package services

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
)

type StoreMiddleware func(TaskStore) TaskStore

func LoggingMiddleware(logger log.Logger) StoreMiddleware {
	return func(next TaskStore) TaskStore {
		return loggingMiddleware{logger, next}
	}
}

type loggingMiddleware struct {
	logger log.Logger
	next   TaskStore
}

func (mw loggingMiddleware) log(err error, keyvals ...interface{}) {
	l := level.Debug(mw.logger)
	if err != nil {
		l = level.Error(mw.logger)
	}
	l.Log(append(keyvals, "err", err)...)
}

func (mw loggingMiddleware) Subscribe(ctx context.Context, ownerID string, onSnapshot SnapshotFunc, onError func(error)) (Unsubscribe, error) {
	wrappedErr := func(err error) {
		mw.log(err, "method", "Subscribe", "owner_id", ownerID, "during", "listen")
		if onError != nil {
			onError(err)
		}
	}

	inner, err := mw.next.Subscribe(ctx, ownerID, onSnapshot, wrappedErr)
	mw.log(err, "method", "Subscribe", "owner_id", ownerID)
	if err != nil {
		return nil, err
	}
	return func() {
		inner()
		mw.log(nil, "method", "Unsubscribe", "owner_id", ownerID)
	}, nil
}

func (mw loggingMiddleware) CreateTask(ctx context.Context, task models.Task) (id string, err error) {
	defer func() {
		mw.log(err,
			"method", "CreateTask",
			"owner_id", task.OwnerID,
			"task_id", id,
			"priority", task.Priority,
			"tags", len(task.Tags),
		)
	}()
	return mw.next.CreateTask(ctx, task)
}

func (mw loggingMiddleware) SetCompleted(ctx context.Context, ownerID, taskID string, completed bool) (err error) {
	defer func() {
		mw.log(err,
			"method", "SetCompleted",
			"owner_id", ownerID,
			"task_id", taskID,
			"completed", completed,
		)
	}()
	return mw.next.SetCompleted(ctx, ownerID, taskID, completed)
}

func (mw loggingMiddleware) DeleteTask(ctx context.Context, ownerID, taskID string) (err error) {
	defer func() {
		mw.log(err,
			"method", "DeleteTask",
			"owner_id", ownerID,
			"task_id", taskID,
		)
	}()
	return mw.next.DeleteTask(ctx, ownerID, taskID)
}

func (mw loggingMiddleware) Close() error {
	return mw.next.Close()
}

// InstrumentingMiddleware counts store calls, their failures and latency,
// and tracks the number of open live queries.
func InstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram, subscriptions metrics.Gauge) StoreMiddleware {
	return func(next TaskStore) TaskStore {
		return instrumentingMiddleware{counter, latency, subscriptions, next}
	}
}

type instrumentingMiddleware struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
	subscriptions  metrics.Gauge
	next           TaskStore
}

func (mw instrumentingMiddleware) observe(method string, begin time.Time, err error) {
	failed := "false"
	if err != nil {
		failed = "true"
	}
	mw.requestCount.With("method", method, "error", failed).Add(1)
	mw.requestLatency.With("method", method).Observe(time.Since(begin).Seconds())
}

func (mw instrumentingMiddleware) Subscribe(ctx context.Context, ownerID string, onSnapshot SnapshotFunc, onError func(error)) (Unsubscribe, error) {
	begin := time.Now()
	unsub, err := mw.next.Subscribe(ctx, ownerID, onSnapshot, onError)
	mw.observe("subscribe", begin, err)
	if err != nil {
		return nil, err
	}

	mw.subscriptions.Add(1)
	var once sync.Once
	return func() {
		unsub()
		once.Do(func() { mw.subscriptions.Add(-1) })
	}, nil
}

func (mw instrumentingMiddleware) CreateTask(ctx context.Context, task models.Task) (id string, err error) {
	defer func(begin time.Time) {
		mw.observe("create_task", begin, err)
	}(time.Now())

	return mw.next.CreateTask(ctx, task)
}

func (mw instrumentingMiddleware) SetCompleted(ctx context.Context, ownerID, taskID string, completed bool) (err error) {
	defer func(begin time.Time) {
		mw.observe("set_completed", begin, err)
	}(time.Now())

	return mw.next.SetCompleted(ctx, ownerID, taskID, completed)
}

func (mw instrumentingMiddleware) DeleteTask(ctx context.Context, ownerID, taskID string) (err error) {
	defer func(begin time.Time) {
		mw.observe("delete_task", begin, err)
	}(time.Now())

	return mw.next.DeleteTask(ctx, ownerID, taskID)
}

func (mw instrumentingMiddleware) Close() error {
	return mw.next.Close()
}
