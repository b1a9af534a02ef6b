package main

import (
	"context"
	"fmt"

	"github.com/emersion/go-maildir"
	"github.com/infodancer/smtptest"
)

// maildirSink writes every received message into a Maildir so it can be
// inspected with ordinary mail tools after the run.
type maildirSink struct {
	dir maildir.Dir
}

func newMaildirSink(path string) (*maildirSink, error) {
	dir := maildir.Dir(path)
	if err := dir.Init(); err != nil {
		return nil, fmt.Errorf("initializing maildir %s: %w", path, err)
	}
	return &maildirSink{dir: dir}, nil
}

// Deliver stores msg in new/. A failure is reported to the SMTP client.
func (s *maildirSink) Deliver(_ context.Context, msg *smtptest.Message) error {
	d, err := maildir.NewDelivery(string(s.dir))
	if err != nil {
		return fmt.Errorf("maildir delivery: %w", err)
	}
	if _, err := d.Write(msg.Raw); err != nil {
		_ = d.Abort()
		return fmt.Errorf("maildir write: %w", err)
	}
	if err := d.Close(); err != nil {
		return fmt.Errorf("maildir close: %w", err)
	}
	return nil
}
