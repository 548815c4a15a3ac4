package wangle

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func Test_Future_CompleteOnce(t *testing.T) {
	p := NewPromise[int]()
	f := p.Future()
	assert.False(t, f.Completed())
	assert.True(t, p.Complete(7))
	assert.False(t, p.Complete(8))
	assert.False(t, p.Fail(errors.New("late")))
	v, err := f.Result()
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
}

func Test_Future_ListenersBeforeAndAfter(t *testing.T) {
	p := NewPromise[string]()
	f := p.Future()
	var got []string
	f.Then(func(v string) { got = append(got, "before:"+v) })
	p.Complete("x")
	f.Then(func(v string) { got = append(got, "after:"+v) })
	assert.Equal(t, []string{"before:x", "after:x"}, got)
}

func Test_Future_ErrAndEnsure(t *testing.T) {
	p := NewPromise[int]()
	f := p.Future()
	var failed error
	ensured := 0
	f.Err(func(err error) { failed = err })
	f.Ensure(func() { ensured++ })
	p.Fail(errors.New("boom"))
	f.Ensure(func() { ensured++ })
	assert.EqualError(t, failed, "boom")
	assert.Equal(t, 2, ensured)
}

func Test_Future_WaitTimeout(t *testing.T) {
	p := NewPromise[int]()
	_, err := p.Future().Wait(10 * time.Millisecond)
	assert.True(t, errors.Is(err, ErrFutureTimeout{}))

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Complete(3)
	}()
	v, err := p.Future().Wait(time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 3, v)
}

func Test_Future_ThenFutureChains(t *testing.T) {
	p := NewPromise[int]()
	chained := ThenFuture(p.Future(), func(v int) *Future[string] {
		return CompletedFuture("got")
	})
	p.Complete(1)
	v, err := chained.Wait(time.Second)
	assert.NoError(t, err)
	assert.Equal(t, "got", v)

	failed := ThenFuture(FailedFuture[int](errors.New("nope")),
		func(int) *Future[string] {
			t.Fatal("must not run")
			return nil
		})
	_, err = failed.Wait(time.Second)
	assert.EqualError(t, err, "nope")
}
