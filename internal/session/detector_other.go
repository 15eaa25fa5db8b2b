//go:build !linux && !windows

package session

import (
	"context"
	"time"
)

type unsupportedDetector struct{}

// NewDetector returns a detector that reports ErrUnsupported.
func NewDetector(time.Duration) Detector {
	return unsupportedDetector{}
}

func (unsupportedDetector) ListSessions() ([]DetectedSession, error) {
	return nil, ErrUnsupported
}

func (unsupportedDetector) WatchSessions(ctx context.Context) <-chan Event {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
