package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestControllerTriggerIsOneShot(t *testing.T) {
	c := NewController(3 * time.Second)
	assert.False(t, c.Cancelled())
	assert.Equal(t, 3*time.Second, c.Grace())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Trigger()
		}()
	}
	wg.Wait()

	select {
	case <-c.Triggered():
	default:
		t.Fatal("triggered channel not closed")
	}
	assert.True(t, c.Cancelled())
}

func TestControllerNegativeGrace(t *testing.T) {
	assert.Zero(t, NewController(-time.Second).Grace())
}

func TestControllerNotifyOnStops(t *testing.T) {
	c := NewController(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	stop := c.NotifyOn(ctx)
	cancel()
	stop()
	assert.False(t, c.Cancelled())
}
