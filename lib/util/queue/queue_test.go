package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())
	for i := 0; i < 5; i++ {
		v, err := q.Pop()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New[string]()
	got := make(chan string, 1)
	go func() {
		v, err := q.Pop()
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("pop returned on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Push("hello"))
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestAbortWakesAllWaiters(t *testing.T) {
	q := New[int]()
	const waiters = 4
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pop()
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Abort()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrAborted)
	}

	assert.ErrorIs(t, q.Push(1), ErrAborted)
	assert.True(t, q.Aborted())
}

func TestResetAfterAbort(t *testing.T) {
	q := New[int]()
	require.NoError(t, q.Push(1))
	q.Abort()
	q.Reset()
	assert.Equal(t, 0, q.Len())
	require.NoError(t, q.Push(2))
	v, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
