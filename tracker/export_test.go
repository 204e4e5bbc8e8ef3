package tracker

import "context"

// SetRelease replaces how the reservation of a refused send is released
func SetRelease(t *Tracker, release func(ctx context.Context, sendID string) error) {
	t.release = release
}
