package platform

import (
	"context"
	"fmt"
	"strings"

	"keptpush/internal/storage"
)

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToLower(strings.TrimSpace(s))); p {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return p, nil
	default:
		return "", fmt.Errorf("unknown permission %q", s)
	}
}

// Prompter asks the user for notification permission. Returning
// PermissionDefault means the prompt was dismissed.
type Prompter interface {
	Prompt(ctx context.Context, origin string) (Permission, error)
}

type answerKey struct{}

// WithAnswer attaches the user's answer to the prompt a request may trigger.
func WithAnswer(ctx context.Context, p Permission) context.Context {
	return context.WithValue(ctx, answerKey{}, p)
}

// StaticPrompter answers every prompt with the answer carried by the context,
// or with Answer when there is none.
type StaticPrompter struct {
	Answer Permission
}

func (p StaticPrompter) Prompt(ctx context.Context, _ string) (Permission, error) {
	if a, ok := ctx.Value(answerKey{}).(Permission); ok && a != "" {
		return a, nil
	}
	if p.Answer == "" {
		return PermissionDefault, nil
	}
	return p.Answer, nil
}

// Permissions is the notification permission of one origin.
type Permissions struct {
	store     storage.Store
	origin    string
	supported bool
	prompter  Prompter
}

func NewPermissions(st storage.Store, origin string, supported bool, prompter Prompter) *Permissions {
	if prompter == nil {
		prompter = StaticPrompter{Answer: PermissionDefault}
	}
	return &Permissions{store: st, origin: origin, supported: supported, prompter: prompter}
}

// State returns the recorded permission; an origin never asked is "default".
func (p *Permissions) State(ctx context.Context) (Permission, error) {
	if !p.supported {
		return "", ErrNotSupported
	}
	s, ok, err := p.store.GetPermission(ctx, p.origin)
	if err != nil {
		return "", err
	}
	if !ok {
		return PermissionDefault, nil
	}
	return Permission(s), nil
}

// Request prompts the user unless the origin is already decided. A granted or
// denied answer is recorded; a dismissed prompt changes nothing.
func (p *Permissions) Request(ctx context.Context) (Permission, error) {
	cur, err := p.State(ctx)
	if err != nil {
		return "", err
	}
	if cur != PermissionDefault {
		return cur, nil
	}
	ans, err := p.prompter.Prompt(ctx, p.origin)
	if err != nil {
		return "", fmt.Errorf("permission prompt: %w", err)
	}
	if ans == PermissionDefault {
		return PermissionDefault, nil
	}
	if err := p.store.PutPermission(ctx, p.origin, string(ans)); err != nil {
		return "", err
	}
	return ans, nil
}

// Set records a permission directly, as a user changing site settings would.
func (p *Permissions) Set(ctx context.Context, perm Permission) error {
	return p.store.PutPermission(ctx, p.origin, string(perm))
}
