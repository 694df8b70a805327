package account

import (
	"context"
	"sync"

	"github.com/tutu-network/adrewards/internal/domain"
)

// epoch scopes in-flight work to one wallet. Switching to a different valid
// wallet cancels the current epoch, which aborts a clearing cycle or refill
// still holding the account lock.
type epoch struct {
	mu     sync.Mutex
	wallet domain.Wallet
	ctx    context.Context
	cancel context.CancelFunc
}

func newEpoch() *epoch {
	ctx, cancel := context.WithCancel(context.Background())
	return &epoch{ctx: ctx, cancel: cancel}
}

func (e *epoch) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// interrupt cancels the epoch if next replaces a different valid wallet.
func (e *epoch) interrupt(next domain.Wallet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wallet.IsValid() && e.wallet != next {
		e.cancel()
	}
}

// renew starts a fresh epoch for wallet.
func (e *epoch) renew(wallet domain.Wallet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel()
	e.wallet = wallet
	e.ctx, e.cancel = context.WithCancel(context.Background())
}

// setWallet records wallet without ending the epoch.
func (e *epoch) setWallet(wallet domain.Wallet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wallet = wallet
}

// bind derives a context cancelled by either ctx or the current epoch.
func (e *epoch) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.context(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
