package utils

import (
	"context"
	"time"

	goutils "go.viam.com/utils"
)

// DefaultPollInterval is how long PollUntil yields between checks when no interval is given.
const DefaultPollInterval = time.Millisecond

// PollUntil yields cooperatively until done reports true or ctx ends. It never spins: between
// checks it sleeps for interval, waking early on cancellation. It returns ctx.Err() if the
// context ended first.
func PollUntil(ctx context.Context, interval time.Duration, done func() bool) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for !done() {
		if !goutils.SelectContextOrWait(ctx, interval) {
			if done() {
				return nil
			}
			return ctx.Err()
		}
	}
	return nil
}
