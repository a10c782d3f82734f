package canopen

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Controller is a thin composition of Transport + front/rear Driver.
// Initialize returns only once both drivers have booted or raises;
// Deinitialize is idempotent and safe after a failed Initialize
// (spec.md section 4.3).
type Controller struct {
	logger    golog.Logger
	transport *Transport
	front     *Driver
	rear      *Driver

	wg      sync.WaitGroup
	started bool
}

// Settings bundles what Controller needs to stand up the transport and
// both drivers.
type Settings struct {
	Channel             string
	MasterNodeID        uint8
	FrontNodeID         uint8
	RearNodeID          uint8
	SdoOperationTimeout time.Duration
	MaxInitAttempts     int

	// MasterDescriptionFile is the precompiled master description file
	// (EDS) both the front and rear nodes are constructed from (spec.md
	// section 4.1 step 3, section 6). Both nodes are the same Roboteq
	// controller model, so one file describes both.
	MasterDescriptionFile string
}

// NewController builds an uninitialized Controller.
func NewController(settings Settings, logger golog.Logger) *Controller {
	return &Controller{
		logger:    logger,
		transport: NewTransport(settings.Channel, settings.MasterNodeID, logger),
	}
}

// Initialize brings up the transport and both drivers, retrying the whole
// sequence up to MaxInitAttempts times (spec.md section 6's
// max_roboteq_initialization_attempts). On success, both drivers'
// feedback-poll loops are running.
func (c *Controller) Initialize(ctx context.Context, settings Settings) error {
	attempts := settings.MaxInitAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.initializeOnce(ctx, settings); err != nil {
			lastErr = err
			c.logger.Warnw("canopen controller init attempt failed", "attempt", attempt, "error", err)
			c.Deinitialize()
			continue
		}
		return nil
	}
	return errors.Wrapf(lastErr, "canopen controller failed to initialize after %d attempts", attempts)
}

func (c *Controller) initializeOnce(ctx context.Context, settings Settings) error {
	if err := c.transport.Start(ctx); err != nil {
		return errors.Wrap(err, "transport start")
	}

	c.front = NewDriver(c.transport.Bus(), settings.FrontNodeID, settings.SdoOperationTimeout, c.logger)
	c.rear = NewDriver(c.transport.Bus(), settings.RearNodeID, settings.SdoOperationTimeout, c.logger)

	for _, d := range []*Driver{c.front, c.rear} {
		if err := d.Boot(ctx, settings.MasterDescriptionFile); err != nil {
			return errors.Wrap(err, "boot submit")
		}
		if err := d.WaitForBoot(ctx, settings.SdoOperationTimeout); err != nil {
			return errors.Wrap(err, "boot wait")
		}
	}

	for _, d := range []*Driver{c.front, c.rear} {
		d.StartFeedbackPoll(ctx, &c.wg)
	}
	c.started = true
	return nil
}

// Deinitialize tears down both drivers and the transport. Idempotent, and
// safe to call after a failed Initialize.
func (c *Controller) Deinitialize() {
	if c.front != nil {
		c.front.StopFeedbackPoll()
		c.front = nil
	}
	if c.rear != nil {
		c.rear.StopFeedbackPoll()
		c.rear = nil
	}
	c.transport.Stop()
	c.wg.Wait()
	c.started = false
}

// Front returns the front-axle driver facade. Nil until Initialize succeeds.
func (c *Controller) Front() *Driver { return c.front }

// Rear returns the rear-axle driver facade. Nil until Initialize succeeds.
func (c *Controller) Rear() *Driver { return c.rear }
