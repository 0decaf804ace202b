// Package tracker records follow-ups for failed sub-tasks.
package tracker

import (
	"context"
	"log"

	"github.com/ShayCichocki/fanout/internal/retry"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// Tracker creates follow-up items. CreateFollowUp is idempotent per
// sub-task id: a second call returns the existing item with created=false.
type Tracker interface {
	CreateFollowUp(ctx context.Context, f *models.FollowUp) (externalID string, created bool, err error)
}

// Resolver is implemented by trackers that can close a follow-up once its
// sub-task later succeeds.
type Resolver interface {
	Resolve(ctx context.Context, subTaskID, resolution string) error
}

// Retrying wraps a Tracker with exponential backoff on rate limits.
type Retrying struct {
	next   Tracker
	policy retry.Policy
}

// NewRetrying wraps next.
func NewRetrying(next Tracker, policy retry.Policy) *Retrying {
	return &Retrying{next: next, policy: policy}
}

// Verify Retrying implements Tracker at compile time.
var _ Tracker = (*Retrying)(nil)

// CreateFollowUp calls the wrapped tracker, retrying rate-limited attempts.
func (r *Retrying) CreateFollowUp(ctx context.Context, f *models.FollowUp) (string, bool, error) {
	var (
		id      string
		created bool
	)
	err := r.policy.Do(ctx, "create follow-up "+f.SubTaskID, func(ctx context.Context) error {
		var err error
		id, created, err = r.next.CreateFollowUp(ctx, f)
		return err
	})
	if err != nil {
		log.Printf("[tracker] follow-up for %s not recorded: %v", f.SubTaskID, err)
		return "", false, err
	}
	return id, created, nil
}

// Resolve forwards to the wrapped tracker if it supports resolution.
func (r *Retrying) Resolve(ctx context.Context, subTaskID, resolution string) error {
	res, ok := r.next.(Resolver)
	if !ok {
		return nil
	}
	return r.policy.Do(ctx, "resolve follow-up "+subTaskID, func(ctx context.Context) error {
		return res.Resolve(ctx, subTaskID, resolution)
	})
}
