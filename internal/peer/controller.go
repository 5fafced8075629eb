package peer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"healthtrack-platform/internal/call"
)

// RelayClient is the signaling relay as seen from a peer.
type RelayClient interface {
	Initiate(ctx context.Context, doctorID, sessionID string) (call.Status, error)
	Accept(ctx context.Context, sessionID string) (call.Status, error)
	Reject(ctx context.Context, sessionID string) (call.Status, error)
	SendSignal(ctx context.Context, sessionID string, sig call.Signal) error
	Poll(ctx context.Context, sessionID string) (call.Status, []call.Signal, error)
	End(ctx context.Context, sessionID string) (call.Status, error)
}

// Media owns local capture devices.
type Media interface {
	// Capture acquires camera/microphone. Blocking is user-mediated
	// (permission prompt) and may be denied.
	Capture(ctx context.Context) error
	Stop()
}

// Link is the peer connection seen by the controller. The pion-backed
// implementation lives in webrtc.go; tests use a fake.
type Link interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// AcceptOffer sets the remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	AcceptAnswer(ctx context.Context, answer json.RawMessage) error
	AddCandidate(payload json.RawMessage) error
	// OnCandidate registers the trickle-ICE callback for local candidates.
	OnCandidate(fn func(payload json.RawMessage))
	// OnConnected fires once when remote media starts flowing.
	OnConnected(fn func())
	OnFailure(fn func(err error))
	Close() error
}

// Config bounds the controller loop. Zero values get the relay defaults.
type Config struct {
	PollInterval    time.Duration
	ConnectTimeout  time.Duration
	MaxPollFailures int
}

func (c Config) withDefaults() Config {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 30 * time.Second
	}
	if out.MaxPollFailures <= 0 {
		out.MaxPollFailures = 3
	}
	return out
}

// Controller drives one side of a call: media capture, the peer connection,
// and the 2-second relay poll loop. Caller and callee run it symmetrically;
// only the opening move differs (initiate vs accept).
type Controller struct {
	role      Role
	sessionID string
	remoteID  string

	client RelayClient
	media  Media
	link   Link
	cfg    Config
	log    *slog.Logger

	machine Machine
	events  chan Event

	released bool
	message  string
}

func NewCaller(client RelayClient, media Media, link Link, doctorID, sessionID string, cfg Config, log *slog.Logger) *Controller {
	return newController(RoleCaller, client, media, link, doctorID, sessionID, cfg, log)
}

func NewCallee(client RelayClient, media Media, link Link, sessionID string, cfg Config, log *slog.Logger) *Controller {
	return newController(RoleCallee, client, media, link, "", sessionID, cfg, log)
}

func newController(role Role, client RelayClient, media Media, link Link, remoteID, sessionID string, cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Controller{
		role:      role,
		sessionID: sessionID,
		remoteID:  remoteID,
		client:    client,
		media:     media,
		link:      link,
		cfg:       cfg,
		log:       log.With("session_id", sessionID, "role", string(role)),
		machine:   NewMachine(role, cfg.MaxPollFailures),
		events:    make(chan Event, 16),
	}
}

// State reports the current local state. Safe to call after Run returns.
func (c *Controller) State() State { return c.machine.State }

// Message is the user-visible failure/rejection message, if any.
func (c *Controller) Message() string { return c.message }

// Hangup asks the controller to end the call locally. Non-blocking.
func (c *Controller) Hangup() {
	select {
	case c.events <- Hangup{}:
	default:
	}
}

// Run executes the call to completion and returns the terminal state.
// Cancellation of ctx is treated as a local hangup: the relay still learns
// about termination so the remote peer is not left ringing.
func (c *Controller) Run(ctx context.Context) (State, error) {
	if err := c.open(ctx); err != nil {
		return c.machine.State, err
	}

	c.link.OnCandidate(func(payload json.RawMessage) {
		sig := call.Signal{Kind: call.SignalICECandidate, Payload: payload}
		if err := c.client.SendSignal(ctx, c.sessionID, sig); err != nil {
			c.log.Warn("candidate send failed", "err", err)
		}
	})
	c.link.OnConnected(func() { c.push(LinkConnected{}) })
	c.link.OnFailure(func(err error) { c.push(LinkFailed{Err: err}) })

	// Local media next; a denied permission must not leave the session
	// ringing on the remote side, so MediaFailed ends the call.
	c.machine.State = StateInitializing
	if err := c.media.Capture(ctx); err != nil {
		c.step(ctx, MediaFailed{Err: err})
		return c.machine.State, err
	}
	c.step(ctx, MediaReady{})

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var connectDeadline <-chan time.Time

	for !c.machine.State.Terminal() {
		select {
		case <-ctx.Done():
			c.step(context.WithoutCancel(ctx), Hangup{})

		case ev := <-c.events:
			c.step(ctx, ev)

		case <-connectDeadline:
			connectDeadline = nil
			c.step(ctx, ConnectTimeout{})

		case <-ticker.C:
			status, signals, err := c.client.Poll(ctx, c.sessionID)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				c.log.Warn("poll failed", "err", err)
				c.step(ctx, PollFailed{Err: err})
				continue
			}
			before := c.machine.State
			c.step(ctx, PollSucceeded{Status: status, Signals: signals})
			if before != StateConnecting && c.machine.State == StateConnecting {
				connectDeadline = time.After(c.cfg.ConnectTimeout)
			}
		}
	}

	return c.machine.State, nil
}

// open performs the role-specific first move against the relay.
func (c *Controller) open(ctx context.Context) error {
	switch c.role {
	case RoleCaller:
		if _, err := c.client.Initiate(ctx, c.remoteID, c.sessionID); err != nil {
			return err
		}
	case RoleCallee:
		if _, err := c.client.Accept(ctx, c.sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) push(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event dropped", "event", ev)
	}
}

// step runs one pure transition and applies the resulting effects.
func (c *Controller) step(ctx context.Context, ev Event) {
	next, effects := Transition(c.machine, ev)
	c.machine = next
	for _, eff := range effects {
		c.apply(ctx, eff)
	}
}

func (c *Controller) apply(ctx context.Context, eff Effect) {
	switch e := eff.(type) {
	case SendOffer:
		payload, err := c.link.CreateOffer(ctx)
		if err != nil {
			c.step(ctx, LinkFailed{Err: err})
			return
		}
		c.sendSignal(ctx, call.Signal{Kind: call.SignalOffer, Payload: payload})

	case ApplyOffer:
		answer, err := c.link.AcceptOffer(ctx, e.Payload)
		if err != nil {
			c.step(ctx, LinkFailed{Err: err})
			return
		}
		c.sendSignal(ctx, call.Signal{Kind: call.SignalAnswer, Payload: answer})

	case ApplyAnswer:
		if err := c.link.AcceptAnswer(ctx, e.Payload); err != nil {
			c.step(ctx, LinkFailed{Err: err})
		}

	case ApplyCandidates:
		for _, payload := range e.Payloads {
			if err := c.link.AddCandidate(payload); err != nil {
				// An individual bad candidate never fails the call.
				c.log.Warn("candidate apply failed", "err", err)
			}
		}

	case EndCall:
		if _, err := c.client.End(context.WithoutCancel(ctx), c.sessionID); err != nil {
			c.log.Warn("end_call failed", "err", err)
		}

	case Release:
		if c.released {
			return
		}
		c.released = true
		c.media.Stop()
		if err := c.link.Close(); err != nil {
			c.log.Warn("peer connection close failed", "err", err)
		}

	case Report:
		c.message = e.Message
		c.log.Info("call update", "message", e.Message)
	}
}

func (c *Controller) sendSignal(ctx context.Context, sig call.Signal) {
	if err := c.client.SendSignal(ctx, c.sessionID, sig); err != nil {
		// Losing the offer/answer is unrecoverable for this attempt.
		if !errors.Is(err, context.Canceled) {
			c.step(ctx, LinkFailed{Err: err})
		}
	}
}
