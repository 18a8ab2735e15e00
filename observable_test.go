package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValueSubscribe(t *testing.T) {
	v := NewValue(1)

	var got []int
	cancel := v.Subscribe(func(n int) { got = append(got, n) })

	v.Set(2)
	require.False(t, v.Update(func(cur int) (int, bool) { return cur, false }))
	v.Update(func(cur int) (int, bool) { return cur + 1, true })
	require.Equal(t, []int{1, 2, 3}, got)

	cancel()
	cancel()
	v.Set(4)
	require.Equal(t, []int{1, 2, 3}, got)
	require.Equal(t, 4, v.Get())
}

func TestValueConcurrentUpdatesAreSerialized(t *testing.T) {
	v := NewValue(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Update(func(cur int) (int, bool) { return cur + 1, true })
		}()
	}
	wg.Wait()
	require.Equal(t, 50, v.Get())
}

func TestValueSubscriberPanicIsContained(t *testing.T) {
	v := NewValue("a")
	v.Subscribe(func(s string) {
		if s == "boom" {
			panic("subscriber failure")
		}
	})
	var last string
	v.Subscribe(func(s string) { last = s })

	require.NotPanics(t, func() { v.Set("boom") })
	require.Equal(t, "boom", v.Get())
	require.Equal(t, "boom", last)
}

func TestValueNext(t *testing.T) {
	v := NewValue(false)

	go func() {
		time.Sleep(20 * time.Millisecond)
		v.Set(true)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := v.Next(ctx)
	require.NoError(t, err)
	require.True(t, got)

	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = v.Next(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
