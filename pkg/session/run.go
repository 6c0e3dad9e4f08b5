package session

import (
	"context"
	"time"
)

// DefaultRunTimeout bounds one-shot tool invocations.
const DefaultRunTimeout = 10 * time.Second

// Output spawns spec, waits for it to exit within timeout and returns its
// stdout lines. stderr is only logged. The session is always closed.
func Output(ctx context.Context, spec Spec, timeout time.Duration) ([]string, error) {
	s, err := Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}

	collected := make(chan []string, 1)
	go func() {
		var lines []string
		for line := range s.Stdout().Lines() {
			lines = append(lines, line)
		}
		collected <- lines
	}()

	if _, err := s.Wait(timeout); err != nil {
		return nil, err
	}
	lines := <-collected
	if err := s.Stdout().Err(); err != nil {
		return lines, err
	}
	return lines, nil
}

// Run is Output for callers that only care whether the tool succeeded.
func Run(ctx context.Context, spec Spec, timeout time.Duration) error {
	_, err := Output(ctx, spec, timeout)
	return err
}
