package observer

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnraisedSink(t *testing.T) {
	t.Run("creates sink with specified size", func(t *testing.T) {
		s := NewUnraisedSink(5)
		require.NotNil(t, s)
		assert.Equal(t, 0, s.Count())
	})

	t.Run("uses default size for zero", func(t *testing.T) {
		s := NewUnraisedSink(0)
		for i := 0; i < 100; i++ {
			s.Push(errors.New("boom"))
		}
		assert.Equal(t, 64, s.Count())
	})
}

func TestUnraisedSinkPush(t *testing.T) {
	t.Run("ignores nil", func(t *testing.T) {
		s := NewUnraisedSink(4)
		s.Push(nil)
		assert.Equal(t, 0, s.Count())
	})

	t.Run("wraps around when full, oldest first", func(t *testing.T) {
		s := NewUnraisedSink(3)
		s.Push(errors.New("1"))
		s.Push(errors.New("2"))
		s.Push(errors.New("3"))
		s.Push(errors.New("4"))

		errs := s.DrainUnraised()
		require.Len(t, errs, 3)
		assert.Equal(t, "2", errs[0].Error())
		assert.Equal(t, "3", errs[1].Error())
		assert.Equal(t, "4", errs[2].Error())
	})
}

func TestUnraisedSinkDrainEmpties(t *testing.T) {
	s := NewUnraisedSink(10)
	s.Push(errors.New("a"))
	s.Push(errors.New("b"))
	assert.Equal(t, 2, s.Count())

	drained := s.DrainUnraised()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, s.Count())
	assert.Empty(t, s.DrainUnraised())
}

func TestUnraisedSinkConcurrency(t *testing.T) {
	s := NewUnraisedSink(100)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Push(errors.New("x"))
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Count()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Count(), 100)
}
