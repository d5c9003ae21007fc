package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
)

// requestCoalescer collapses concurrent refreshes of the same location into one
// upstream call. The shared call is detached from any single caller's
// cancellation; each caller still stops waiting on its own context or the timeout.
type requestCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{timeout: timeout}
}

// Do runs fn once per key among concurrent callers. shared reports whether the
// result was also handed to other callers.
func (rc *requestCoalescer) Do(ctx context.Context, key string, fn func(context.Context) (models.WeatherView, error)) (view models.WeatherView, shared bool, err error) {
	ch := rc.group.DoChan(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})

	waitCtx := ctx
	if rc.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, rc.timeout)
		defer cancel()
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.WeatherView{}, res.Shared, res.Err
		}
		return res.Val.(models.WeatherView), res.Shared, nil
	case <-waitCtx.Done():
		return models.WeatherView{}, false, waitCtx.Err()
	}
}
