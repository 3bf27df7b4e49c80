package platform

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"keptpush/pkg/logx"
)

// Opener opens a URL in a window the user can see.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// SystemOpener opens URLs in the default browser.
type SystemOpener struct{}

// The browser outlives the call, so ctx only gates the start.
func (SystemOpener) Open(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("%w: open on %s", ErrNotSupported, runtime.GOOS)
	}
	return start(cmd)
}

// CommandOpener runs a configured command with the URL as its last argument.
type CommandOpener struct {
	Command []string
}

func (o CommandOpener) Open(ctx context.Context, url string) error {
	if len(o.Command) == 0 {
		return fmt.Errorf("%w: empty open command", ErrNotSupported)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	args := append(append([]string(nil), o.Command[1:]...), url)
	return start(exec.Command(o.Command[0], args...))
}

// start launches cmd and reaps it in the background.
func start(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// LogOpener only logs. Used when no display is available.
type LogOpener struct {
	Log logx.Logger
}

func (o LogOpener) Open(_ context.Context, url string) error {
	o.Log.Info("open window", logx.String("url", url))
	return nil
}

// OpenerFor maps the platform.open_command setting to an Opener:
// "" uses the system browser, "none" only logs, anything else is run as a command.
func OpenerFor(command string, log logx.Logger) Opener {
	switch c := strings.TrimSpace(command); c {
	case "":
		return SystemOpener{}
	case "none":
		return LogOpener{Log: log}
	default:
		return CommandOpener{Command: strings.Fields(c)}
	}
}

// Clients tracks the windows controlled by the active worker.
type Clients struct {
	opener Opener
	log    logx.Logger

	mu      sync.Mutex
	claimed bool
	opened  []string
}

func NewClients(opener Opener, log logx.Logger) *Clients {
	if opener == nil {
		opener = LogOpener{Log: log}
	}
	return &Clients{opener: opener, log: log.With(logx.String("comp", "clients"))}
}

// Claim makes the active worker control every open window immediately.
func (c *Clients) Claim(ctx context.Context) error {
	c.mu.Lock()
	c.claimed = true
	c.mu.Unlock()
	c.log.Debug("clients claimed")
	return ctx.Err()
}

func (c *Clients) Claimed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimed
}

// OpenWindow opens url and records it.
func (c *Clients) OpenWindow(ctx context.Context, url string) error {
	if err := c.opener.Open(ctx, url); err != nil {
		return fmt.Errorf("open window %s: %w", url, err)
	}
	c.mu.Lock()
	c.opened = append(c.opened, url)
	c.mu.Unlock()
	return nil
}

// Opened returns the URLs opened so far.
func (c *Clients) Opened() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.opened...)
}
