package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// QueryErrors collects every statement gorm would report at error level.
type QueryErrors struct {
	mu     sync.Mutex
	errors []string
}

// RecordQueryErrors returns a session of db whose logger feeds the returned
// collector.
func RecordQueryErrors(db *gorm.DB) (*gorm.DB, *QueryErrors) {
	collected := &QueryErrors{}
	return db.Session(&gorm.Session{Logger: collected}), collected
}

// Messages returns the collected error lines.
func (q *QueryErrors) Messages() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.errors...)
}

func (q *QueryErrors) LogMode(logger.LogLevel) logger.Interface { return q }

func (q *QueryErrors) Info(context.Context, string, ...interface{}) {}

func (q *QueryErrors) Warn(context.Context, string, ...interface{}) {}

func (q *QueryErrors) Error(_ context.Context, message string, args ...interface{}) {
	q.add(fmt.Sprintf(message, args...))
}

func (q *QueryErrors) Trace(_ context.Context, _ time.Time, fc func() (string, int64), err error) {
	if err == nil {
		return
	}
	statement, _ := fc()
	q.add(err.Error() + ": " + statement)
}

func (q *QueryErrors) add(message string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.errors = append(q.errors, message)
}
