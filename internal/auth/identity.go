// internal/auth/identity.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/lobbyd/internal/models"
)

// ErrAuth is returned when sign-in or token verification fails.
var ErrAuth = errors.New("authentication failed")

// Provider issues a player identity.
type Provider interface {
	SignIn(ctx context.Context) (models.Player, error)
}

// Anonymous issues a fresh random player id on every sign-in.
type Anonymous struct {
	// Attributes are copied onto every issued player.
	Attributes models.Attributes
}

// SignIn returns a new player with a uuid id.
func (a Anonymous) SignIn(ctx context.Context) (models.Player, error) {
	if err := ctx.Err(); err != nil {
		return models.Player{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return models.Player{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return models.Player{ID: id.String(), Attributes: a.Attributes.Clone()}, nil
}

// SignInFuture is the one-shot result of a sign-in running in the background.
type SignInFuture struct {
	done chan struct{}

	mu        sync.Mutex
	player    models.Player
	err       error
	observers []func(models.Player)
}

// SignIn starts p.SignIn in its own goroutine and returns immediately.
func SignIn(ctx context.Context, p Provider) *SignInFuture {
	f := &SignInFuture{done: make(chan struct{})}
	go func() {
		player, err := p.SignIn(ctx)
		if err != nil && !errors.Is(err, ErrAuth) {
			err = fmt.Errorf("%w: %v", ErrAuth, err)
		}
		f.resolve(player, err)
	}()
	return f
}

func (f *SignInFuture) resolve(player models.Player, err error) {
	f.mu.Lock()
	f.player, f.err = player, err
	observers := f.observers
	f.observers = nil
	close(f.done)
	f.mu.Unlock()

	if err != nil {
		return
	}
	for _, fn := range observers {
		fn(player)
	}
}

// Done is closed once the sign-in has finished, successfully or not.
func (f *SignInFuture) Done() <-chan struct{} { return f.done }

// Wait blocks until the sign-in finishes or ctx is done.
func (f *SignInFuture) Wait(ctx context.Context) (models.Player, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return models.Player{}, ctx.Err()
	}
}

// Result returns the outcome. Before completion it returns an error
// wrapping ErrAuth.
func (f *SignInFuture) Result() (models.Player, error) {
	select {
	case <-f.done:
	default:
		return models.Player{}, fmt.Errorf("%w: sign-in still pending", ErrAuth)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.player, f.err
}

// OnSignedIn registers fn to run once with the signed-in player. If the
// sign-in already succeeded, fn runs immediately; if it failed, fn never runs.
func (f *SignInFuture) OnSignedIn(fn func(models.Player)) {
	f.mu.Lock()
	select {
	case <-f.done:
		player, err := f.player, f.err
		f.mu.Unlock()
		if err == nil {
			fn(player)
		}
		return
	default:
	}
	f.observers = append(f.observers, fn)
	f.mu.Unlock()
}
