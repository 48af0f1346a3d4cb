package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := New(5*time.Second, 300*time.Second)

	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second, // capped
		300 * time.Second, // stays capped
	}

	for i, want := range expected {
		assert.Equal(t, want, b.Delay(), "after %d failures", i)
		b.OnFailure()
	}
}

func TestBackoff_ResetOnSuccess(t *testing.T) {
	b := New(5*time.Second, 300*time.Second)

	for i := 0; i < 4; i++ {
		b.OnFailure()
	}
	assert.Equal(t, 80*time.Second, b.Delay())

	b.OnSuccess()
	assert.Equal(t, 5*time.Second, b.Delay())
}

func TestBackoff_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, time.Second, b.Floor())
	assert.Equal(t, time.Second, b.Cap())
	b.OnFailure()
	assert.Equal(t, time.Second, b.Delay())
}
