package worker

import (
	"context"
	"fmt"

	"keptpush/pkg/logx"
)

type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// ClickRouter closes a clicked notification and opens the app's root view.
// Every notification routes to the same place.
type ClickRouter struct {
	tray    Tray
	windows WindowOpener
	root    string
	log     logx.Logger
}

func NewClickRouter(tray Tray, windows WindowOpener, root string, log logx.Logger) *ClickRouter {
	return &ClickRouter{tray: tray, windows: windows, root: root, log: log}
}

func (c *ClickRouter) Handle(ctx context.Context, id string) error {
	n, ok, err := c.tray.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("notification click: %w", err)
	}
	if !ok {
		return ErrUnknownNotification
	}
	if _, err := c.tray.Close(ctx, id); err != nil {
		return fmt.Errorf("notification click: close: %w", err)
	}
	if err := c.windows.OpenWindow(ctx, c.root); err != nil {
		return err
	}
	c.log.Info("notification clicked", logx.String("id", id), logx.String("tag", n.Tag), logx.String("url", c.root))
	return nil
}
