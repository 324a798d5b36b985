package browser

import (
	"context"
)

// combineContext derives a context from primary that is additionally canceled
// when secondary is done. chromedp resolves its target from context values,
// so the session context must stay the parent; the caller's context only
// contributes its deadline.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)

	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}
