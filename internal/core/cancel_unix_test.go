//go:build !windows

package core

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestControllerNotifyOnSignal(t *testing.T) {
	c := NewController(time.Second)
	stop := c.NotifyOn(context.Background(), syscall.SIGUSR1)
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	require.Eventually(t, c.Cancelled, 2*time.Second, 5*time.Millisecond)
}
