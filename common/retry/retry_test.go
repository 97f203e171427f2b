package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testErrRetryable struct {
}

func (e testErrRetryable) Error() string {
	return "retryable err"
}

func TestRetry(t *testing.T) {
	retryable, nonRetryable := testErrRetryable{}, fmt.Errorf("non-retryable")
	retryOn := func(e error) bool {
		_, ok := e.(testErrRetryable)
		return ok
	}
	tcs := []struct {
		name        string
		errs        []error
		strategy    []RetryOption
		expected    int
		expectedErr error
	}{
		{
			name:     "NoRetry",
			errs:     []error{nil},
			expected: 1,
		},
		{
			name:        "NotRetryable",
			errs:        []error{retryable, nil},
			expected:    1,
			expectedErr: retryable,
		},
		{
			name:        "MaxAttempts",
			errs:        []error{retryable, retryable, retryable, nil},
			strategy:    []RetryOption{WithMaxAttempts(2), WithRetryOn(retryOn)},
			expected:    3,
			expectedErr: retryable,
		},
		{
			name:        "RetryOn",
			errs:        []error{retryable, retryable, nonRetryable, retryable, retryable},
			strategy:    []RetryOption{WithMaxAttempts(10), WithRetryOn(retryOn)},
			expected:    3,
			expectedErr: nonRetryable,
		},
		{
			name:     "SucceedsEventually",
			errs:     []error{retryable, nil},
			strategy: []RetryOption{WithMaxAttempts(4), WithRetryOn(retryOn), WithBaseDelay(time.Millisecond)},
			expected: 2,
		},
	}

	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			actual := 0
			err := Retry(func() error {
				e := c.errs[actual]
				actual++
				return e
			}, c.strategy...)
			assert.Equal(t, c.expected, actual)
			assert.Equal(t, c.expectedErr, err)
		})
	}
}

func TestRetryTimeout(t *testing.T) {
	calls := 0
	err := Retry(func() error {
		calls++
		return testErrRetryable{}
	},
		WithRetryOn(func(error) bool { return true }),
		WithBaseDelay(time.Hour),
		WithTimeout(10*time.Millisecond),
	)
	assert.True(t, errors.Is(err, ErrTimedOut))
	assert.Equal(t, 1, calls)
}
