// Package store is the persistence collaborator of the sync engine.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/abdelmounim-dev/tasksync/task"
)

var (
	// ErrNotFound is returned when an update or delete matches no task or user.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateUser is returned by CreateUser for an id that already
	// exists. Callers treat it as success: devices re-send their profile
	// on every connect.
	ErrDuplicateUser = errors.New("user already exists")
)

// StoreError wraps any failed store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Store defines the CRUD operations the sync engine needs.
type Store interface {
	// CreateUser inserts a profile. Returns ErrDuplicateUser if the id exists.
	CreateUser(ctx context.Context, u task.User) error
	// CreateTask inserts a task owned by userID.
	CreateTask(ctx context.Context, userID string, t task.Task) error
	EditTask(ctx context.Context, e task.Edit) error
	ToggleTask(ctx context.Context, tg task.Toggle) error
	CompleteTask(ctx context.Context, c task.Completion) error
	DeleteTask(ctx context.Context, id string) error

	// FetchAllTasks returns every task of every user.
	FetchAllTasks(ctx context.Context) ([]task.Task, error)
	// FetchActiveTasksByUser returns the user's tasks with is_completed = 0.
	FetchActiveTasksByUser(ctx context.Context, userID string) ([]task.Task, error)
	// FetchNonCompletedTasks returns every open task, ordered by user.
	FetchNonCompletedTasks(ctx context.Context) ([]task.Task, error)
	FetchCompletedTasksByUserFiltered(ctx context.Context, userID string, f task.CompletedFilter) ([]task.Task, error)

	GetUserSettings(ctx context.Context, userID string) (task.Settings, error)
	UpdateUserCategories(ctx context.Context, userID, categories string) error
	UpdateUserCommands(ctx context.Context, userID, commands string) error

	// RolloverTask closes closed and inserts successor atomically.
	RolloverTask(ctx context.Context, closed, successor task.Task) error

	Close() error
}
