// internal/auth/auth_test.go
package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	require.NoError(t, Init(time.Hour))

	token, err := CreateJWT("player-1")
	require.NoError(t, err)

	sub, err := AuthenticateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "player-1", sub)

	_, err = AuthenticateJWT(token + "x")
	assert.ErrorIs(t, err, ErrAuth)

	// a new key pair invalidates older tokens
	require.NoError(t, Init(0))
	_, err = AuthenticateJWT(token)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestJWTExpired(t *testing.T) {
	require.NoError(t, Init(-time.Minute))
	// a negative ttl is treated as no expiry
	token, err := CreateJWT("p")
	require.NoError(t, err)
	_, err = AuthenticateJWT(token)
	assert.NoError(t, err)

	require.NoError(t, Init(time.Nanosecond))
	token, err = CreateJWT("p")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = AuthenticateJWT(token)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestAnonymousSignIn(t *testing.T) {
	a := Anonymous{Attributes: models.Attributes{"name": {Value: "guest", Visibility: models.VisibilityPublic}}}
	p1, err := a.SignIn(context.Background())
	require.NoError(t, err)
	p2, err := a.SignIn(context.Background())
	require.NoError(t, err)

	_, err = uuid.Parse(p1.ID)
	assert.NoError(t, err)
	assert.NotEqual(t, p1.ID, p2.ID)
	assert.Equal(t, "guest", p1.Attributes["name"].Value)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.SignIn(ctx)
	assert.ErrorIs(t, err, ErrAuth)
}

// blockingProvider resolves when release is closed.
type blockingProvider struct {
	release chan struct{}
	err     error
}

func (b blockingProvider) SignIn(ctx context.Context) (models.Player, error) {
	<-b.release
	if b.err != nil {
		return models.Player{}, b.err
	}
	return models.Player{ID: "p1"}, nil
}

func TestSignInFutureObservers(t *testing.T) {
	prov := blockingProvider{release: make(chan struct{})}
	f := SignIn(context.Background(), prov)

	_, err := f.Result()
	assert.ErrorIs(t, err, ErrAuth)

	var (
		mu    sync.Mutex
		calls []string
	)
	f.OnSignedIn(func(p models.Player) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "early:"+p.ID)
	})

	close(prov.release)
	p, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	// registered after resolution: fires immediately
	f.OnSignedIn(func(p models.Player) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "late:"+p.ID)
	})

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"early:p1", "late:p1"}, calls)
}

func TestSignInFutureFailure(t *testing.T) {
	prov := blockingProvider{release: make(chan struct{}), err: errors.New("backend down")}
	close(prov.release)
	f := SignIn(context.Background(), prov)

	var fired atomic.Bool
	f.OnSignedIn(func(models.Player) { fired.Store(true) })

	<-f.Done()
	_, err := f.Result()
	assert.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), "backend down")
	assert.False(t, fired.Load())
}

func TestSignInFutureWaitCancelled(t *testing.T) {
	f := SignIn(context.Background(), blockingProvider{release: make(chan struct{})})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubjectOf(t *testing.T) {
	require.NoError(t, Init(time.Hour))
	token, err := CreateJWT("player-7")
	require.NoError(t, err)

	sub, err := SubjectOf(token)
	require.NoError(t, err)
	assert.Equal(t, "player-7", sub)

	_, err = SubjectOf("not-a-token")
	assert.ErrorIs(t, err, ErrAuth)
}
