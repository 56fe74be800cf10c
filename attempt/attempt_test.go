package attempt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstSuccessStopsAtFirstSuccess(t *testing.T) {
	var tried []string
	result, err := FirstSuccess(context.Background(), []string{"a", "b", "c"}, func(_ context.Context, s string) (string, error) {
		tried = append(tried, s)
		if s == "b" {
			return "got " + s, nil
		}
		return "", errors.New("fail " + s)
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "got b", result)
	assert.Equal(t, []string{"a", "b"}, tried)
}

func TestFirstSuccessExhaustedKeepsLastError(t *testing.T) {
	_, err := FirstSuccess(context.Background(), []int{1, 2, 3}, func(_ context.Context, i int) (int, error) {
		return 0, errors.New("fail " + string(rune('0'+i)))
	}, nil)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.EqualError(t, exhausted.Last, "fail 3")
	assert.EqualError(t, err, "all 3 strategies failed, last error: fail 3")
}

func TestFirstSuccessNoStrategies(t *testing.T) {
	_, err := FirstSuccess(context.Background(), nil, func(_ context.Context, i int) (int, error) {
		return i, nil
	}, nil)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Zero(t, exhausted.Attempts)
	assert.Nil(t, exhausted.Last)
}

func TestFirstSuccessNextStopsEvaluation(t *testing.T) {
	fatal := errors.New("fatal")
	var tried []int
	_, err := FirstSuccess(context.Background(), []int{1, 2, 3}, func(_ context.Context, i int) (int, error) {
		tried = append(tried, i)
		if i == 2 {
			return 0, fatal
		}
		return 0, errors.New("soft")
	}, func(err error) bool {
		return !errors.Is(err, fatal)
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, []int{1, 2}, tried)
}

func TestFirstSuccessNextOnLastStrategyStillExhausts(t *testing.T) {
	fatal := errors.New("fatal")
	_, err := FirstSuccess(context.Background(), []int{1}, func(_ context.Context, i int) (int, error) {
		return 0, fatal
	}, func(error) bool { return false })

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, fatal)
}

func TestFirstSuccessCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := FirstSuccess(ctx, []int{1}, func(_ context.Context, i int) (int, error) {
		called = true
		return i, nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestLastErrorUnwrapsNestedExhaustion(t *testing.T) {
	inner := errors.New("InvalidSystemDiskCategory")
	err := &ExhaustedError{Attempts: 2, Last: &ExhaustedError{Attempts: 3, Last: inner}}

	assert.Equal(t, inner, LastError(err))
	assert.Equal(t, inner, LastError(inner))
	assert.Nil(t, LastError(nil))
}

func TestPollSucceeds(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollPropagatesCheckError(t *testing.T) {
	boom := errors.New("boom")
	err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, boom
	})

	assert.ErrorIs(t, err, boom)
}

func TestPollTimesOut(t *testing.T) {
	err := Poll(context.Background(), 5*time.Millisecond, 20*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})

	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPollCancelledByParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Poll(ctx, 5*time.Millisecond, time.Minute, func(context.Context) (bool, error) {
		return false, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Minute), context.Canceled)
}
