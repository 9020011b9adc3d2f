package core

import (
	"context"
	"fmt"
	"time"

	"github.com/Coflnet/cloud-sub001/access"
	"github.com/Coflnet/cloud-sub001/command"
	"github.com/Coflnet/cloud-sub001/envelope"
	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

// Slugs of the substrate's built-in commands. They are wire discriminators
// and must never change.
const (
	getMessagesSlug    = "getMessages"
	receiveConfirmSlug = "receiveConfirm"
	loginSlug          = "login"
	authorizeSlug      = "authorize"
	subscribeSlug      = "subscribe"
	unsubscribeSlug    = "unsubscribe"
	createSlug         = "create"
)

type confirmBody struct {
	Recipient identity.EntityID `json:"recipient"`
	Sender    identity.EntityID `json:"sender"`
	MessageID int64             `json:"messageId"`
}

type authorizeBody struct {
	ID   identity.EntityID `json:"id"`
	Mode access.Mode       `json:"mode"`
}

type loginResult struct {
	OK bool `json:"ok"`
}

// registerBuiltins installs the substrate protocol on the node's default
// table, the backfall of every entity controller.
func (c *Core) registerBuiltins() error {
	builtins := []command.Command{
		c.responseCommand(),
		c.errorCommand(),
		c.receiveConfirmCommand(),
		c.getMessagesCommand(),
		c.loginCommand(),
		c.authorizeCommand(),
		c.subscribeCommand(),
		c.unsubscribeCommand(),
		c.createCommand(),
	}
	for _, cmd := range builtins {
		if err := c.commands.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

// responseCommand resolves the pending callback of an answered request. A
// missing callback is logged, not raised: the requester may have restarted
// since sending.
func (c *Core) responseCommand() command.Command {
	return command.NewFunc(envelope.ResponseSlug,
		command.Settings{ThreadSafe: true},
		func(_ context.Context, call *command.Call) (any, error) {
			requestID, body, err := envelope.DecodeResponsePayload(call.Envelope.Payload)
			if err != nil {
				return nil, err
			}
			cb, ok := c.takeCallback(requestID)
			if !ok {
				c.logger.Debug("response without pending callback", "requestId", requestID, "sender", call.Envelope.Sender)
				return nil, nil
			}
			cb(body, nil)
			return nil, nil
		})
}

// errorCommand resolves a pending callback with the failure the peer
// reported for the original request.
func (c *Core) errorCommand() command.Command {
	return command.NewFunc(envelope.ErrorSlug,
		command.Settings{ThreadSafe: true},
		func(_ context.Context, call *command.Call) (any, error) {
			requestID, body, err := envelope.DecodeErrorPayload(call.Envelope.Payload)
			if err != nil {
				return nil, err
			}
			cb, ok := c.takeCallback(requestID)
			if !ok {
				c.logger.Debug("error report without pending callback",
					"requestId", requestID, "slug", body.Slug, "message", body.Message)
				return nil, nil
			}
			cb(nil, remoteError(body))
			return nil, nil
		})
}

// remoteError rebuilds a classified error from a peer's error report.
func remoteError(body envelope.ErrorBody) error {
	class := errors.ErrorInvalid
	switch body.Class {
	case errors.ErrorTransient.String():
		class = errors.ErrorTransient
	case errors.ErrorFatal.String():
		class = errors.ErrorFatal
	}
	return &errors.ClassifiedError{
		Class:   class,
		Err:     fmt.Errorf("%s rejected remotely: %s", body.Slug, body.Message),
		Message: fmt.Sprintf("%s rejected remotely: %s", body.Slug, body.Message),
	}
}

// receiveConfirmCommand prunes the outbox record of a message the peer
// durably applied. Only the node managing the original recipient may
// confirm.
func (c *Core) receiveConfirmCommand() command.Command {
	return command.NewFunc(receiveConfirmSlug,
		command.Settings{ThreadSafe: true},
		func(ctx context.Context, call *command.Call) (any, error) {
			body, ok := call.Payload.(*confirmBody)
			if !ok {
				return nil, errors.WrapInvalid(errors.ErrInvalidData, "Core", "receiveConfirm", "payload check")
			}
			if call.Envelope.Sender.ServerID != body.Recipient.ServerID {
				return nil, errors.WrapInvalid(errors.ErrPermissionDenied, "Core", "receiveConfirm", "confirmer check")
			}
			return nil, c.transit.Confirm(ctx, body.Recipient, body.Sender, body.MessageID)
		}).WithPayload(func() any { return &confirmBody{} })
}

// getMessagesCommand replays this node's queued envelopes for the
// requesting node. The replay runs off the delivery goroutine.
func (c *Core) getMessagesCommand() command.Command {
	return command.NewFunc(getMessagesSlug,
		command.Settings{ThreadSafe: true},
		func(_ context.Context, call *command.Call) (any, error) {
			serverID := call.Envelope.Sender.ServerID
			go c.replayFor(context.Background(), serverID)
			return nil, nil
		})
}

// loginCommand validates the token presented in the envelope header and
// binds the sender to a session. Token identity and envelope sender must
// match.
func (c *Core) loginCommand() command.Command {
	return command.NewFunc(loginSlug,
		command.Settings{ThreadSafe: true, Responds: true},
		func(_ context.Context, call *command.Call) (any, error) {
			if c.verifier == nil {
				return nil, errors.WrapInvalid(errors.ErrLoginFailed, "Core", "login", "verifier availability")
			}
			raw, ok := call.Envelope.Header(envelope.HeaderToken)
			if !ok {
				return nil, errors.WrapInvalid(errors.ErrLoginFailed, "Core", "login", "token presence check")
			}
			id, err := c.verifier.Validate(string(raw))
			if err != nil {
				return nil, err
			}
			if id != call.Envelope.Sender {
				return nil, errors.WrapInvalid(errors.ErrLoginFailed, "Core", "login", "token identity check")
			}
			c.bindSession(id)
			return loginResult{OK: true}, nil
		})
}

// authorizeCommand changes a requester's access mode on the target entity.
func (c *Core) authorizeCommand() command.Command {
	return command.NewFunc(authorizeSlug,
		command.Settings{
			Responds:    true,
			Permissions: []command.Permission{command.CanChangePermissions},
		},
		func(_ context.Context, call *command.Call) (any, error) {
			body, ok := call.Payload.(*authorizeBody)
			if !ok {
				return nil, errors.WrapInvalid(errors.ErrInvalidData, "Core", "authorize", "payload check")
			}
			call.Target.Access().Authorize(body.ID, body.Mode)
			return loginResult{OK: true}, nil
		}).WithPayload(func() any { return &authorizeBody{} })
}

// Login performs the handshake with a server node: it mints a fresh token
// and sends it for validation. The callback resolves with the server's
// answer.
func (c *Core) Login(ctx context.Context, serverID uint64, cb ResponseCallback) error {
	if c.issuer == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Core", "Login", "token issuer availability")
	}
	token, err := c.issuer.Issue(c.id)
	if err != nil {
		return err
	}

	messageID := c.gen.Next()
	env := envelope.New(c.id, identity.NewEntityID(serverID, 0), messageID, loginSlug, nil)
	env.SetHeader(envelope.HeaderToken, []byte(token))
	env.Sign(c.signKey)

	if cb != nil {
		c.registerCallback(messageID, cb)
	}
	if err := c.send(ctx, env); err != nil {
		if cb != nil {
			c.takeCallback(messageID)
		}
		return err
	}
	return nil
}

// Authorize grants or revokes a requester's access mode on a remote
// entity.
func (c *Core) Authorize(ctx context.Context, target, requester identity.EntityID, mode access.Mode, cb ResponseCallback) error {
	_, err := c.SendCommand(ctx, target, authorizeSlug, authorizeBody{ID: requester, Mode: mode}, cb)
	return err
}

func (c *Core) bindSession(id identity.EntityID) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	c.sessions[id] = time.Now()
}

// IsLoggedIn reports whether the id completed a login handshake on this
// node.
func (c *Core) IsLoggedIn(id identity.EntityID) bool {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	_, ok := c.sessions[id]
	return ok
}
