package search

import "context"

// retryPolicy retries an operation a bounded number of times when its error
// matches the classifier, running wait between attempts. With attempts=2 this
// is "retry once after waiting", applied uniformly instead of inlining nested
// retry blocks at each call site.
type retryPolicy struct {
	attempts  int
	retryable func(error) bool
	wait      func(context.Context) error
}

func (p retryPolicy) Do(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < p.attempts; attempt++ {
		err = op()
		if err == nil || !p.retryable(err) || attempt == p.attempts-1 {
			return err
		}
		if waitErr := p.wait(ctx); waitErr != nil {
			return waitErr
		}
	}
	return err
}
