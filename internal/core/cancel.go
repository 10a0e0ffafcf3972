package core

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Controller is the one-shot shutdown trigger shared by a run and whoever may
// stop it (signal handler, API caller, parent context).
type Controller struct {
	once  sync.Once
	ch    chan struct{}
	grace time.Duration
}

// NewController returns an untriggered controller. grace bounds how long
// in-flight attempts may take to acknowledge cancellation.
func NewController(grace time.Duration) *Controller {
	if grace < 0 {
		grace = 0
	}
	return &Controller{ch: make(chan struct{}), grace: grace}
}

// Trigger requests shutdown. Safe to call from any goroutine, any number of times.
func (c *Controller) Trigger() {
	c.once.Do(func() { close(c.ch) })
}

// Triggered is closed once Trigger has been called.
func (c *Controller) Triggered() <-chan struct{} { return c.ch }

func (c *Controller) Cancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

func (c *Controller) Grace() time.Duration { return c.grace }

// NotifyOn triggers the controller when one of sigs arrives (SIGINT and
// SIGTERM when none are given). The returned function stops listening; it is
// also stopped when ctx ends.
func (c *Controller) NotifyOn(ctx context.Context, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ctx, cancel := context.WithCancel(ctx)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, sigs...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer signal.Stop(sigc)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigc:
				if c.Cancelled() {
					log.Warn().Str("signal", sig.String()).Msg("shutdown already in progress")
					continue
				}
				log.Warn().Str("signal", sig.String()).Dur("grace", c.grace).Msg("shutdown requested")
				c.Trigger()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
