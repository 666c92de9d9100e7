// Package connector defines message ingress/egress adapters and the
// registry that dispatches their traffic to the engine.
package connector

import (
	"context"

	"github.com/user/scout/internal/types"
)

// MessageHandler receives inbound messages from a connector.
type MessageHandler func(msg types.ConnectorMessage, mctx types.MessageContext)

// Connector is an adapter to an external chat surface.
type Connector interface {
	// OnMessage subscribes handler to inbound messages and returns a
	// function that removes the subscription.
	OnMessage(handler MessageHandler) (unsubscribe func())
	// SendMessage delivers msg to targetID (a channel id).
	SendMessage(ctx context.Context, targetID string, msg types.ConnectorMessage) error
}

// Shutdowner is implemented by connectors holding resources such as a
// polling loop.
type Shutdowner interface {
	Shutdown(ctx context.Context, reason string) error
}

// Typer is implemented by connectors that can show a typing indicator.
// StartTyping returns a function that stops the indicator.
type Typer interface {
	StartTyping(targetID string) (stop func())
}
