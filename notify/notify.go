// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package notify defines the abstract alerting collaborator. The real
// Telegram client is an external collaborator (spec.md section 1); this
// package only defines the capability keepers call into and a couple of
// trivial stand-ins.
package notify

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
)

// Notifier is the abstract alerting capability. An implementer may supply a
// working HTTP client (e.g. a Telegram bot) without affecting correctness.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Noop discards every notification. Useful for tests and for operators who
// do not wire an alerting backend.
type Noop struct{}

func (Noop) Notify(context.Context, string, string) error { return nil }

// LogOnly logs notifications at warn level instead of sending them
// anywhere external. A reasonable default when no Notifier is configured.
type LogOnly struct {
	log log.Logger
}

// NewLogOnly returns a Notifier that only logs.
func NewLogOnly() *LogOnly {
	return &LogOnly{log: log.New("component", "Notifier")}
}

func (n *LogOnly) Notify(_ context.Context, subject, body string) error {
	n.log.Warn(fmt.Sprintf("%s: %s", subject, body))
	return nil
}
