package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/api"
	"github.com/tutu-network/adrewards/internal/app/account"
	"github.com/tutu-network/adrewards/internal/app/migration"
	"github.com/tutu-network/adrewards/internal/domain"
	"github.com/tutu-network/adrewards/internal/infra/rewardsapi"
	"github.com/tutu-network/adrewards/internal/infra/sqlite"
)

const shutdownTimeout = 10 * time.Second

// Daemon owns the store, the account and the HTTP API.
type Daemon struct {
	cfg     Config
	logger  *zap.Logger
	db      *sqlite.DB
	account *account.Account
	events  *api.EventHub
}

// New opens the store under home and loads the account. server may be nil,
// in which case the configured rewards server is used.
func New(ctx context.Context, home string, cfg Config, server domain.RewardServer, logger *zap.Logger) (*Daemon, error) {
	acctCfg, err := cfg.AccountConfig()
	if err != nil {
		return nil, err
	}
	if server == nil {
		timeout, err := parseDuration("rewards.request_timeout", cfg.Rewards.RequestTimeout)
		if err != nil {
			return nil, err
		}
		server = rewardsapi.New(cfg.Rewards.ServerURL, timeout, logger)
	}

	db, err := sqlite.Open(home)
	if err != nil {
		return nil, err
	}

	acct := account.New(account.Deps{Store: db, Server: server, Logger: logger}, acctCfg)
	if err := acct.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("load account: %w", err)
	}

	d := &Daemon{
		cfg:     cfg,
		logger:  logger.Named("daemon"),
		db:      db,
		account: acct,
		events:  api.NewEventHub(),
	}
	acct.AddObserver(d.events.Observe)
	acct.AddObserver(d.logEvent)
	return d, nil
}

// Account returns the daemon's account.
func (d *Daemon) Account() *account.Account { return d.account }

// Store returns the daemon's store.
func (d *Daemon) Store() *sqlite.DB { return d.db }

// Close releases the store.
func (d *Daemon) Close() error { return d.db.Close() }

// MigrateLegacy imports the configured legacy state document, once per
// profile. A missing document counts as no legacy state.
func (d *Daemon) MigrateLegacy(ctx context.Context) error {
	var data []byte
	if path := d.cfg.Legacy.StatePath; path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read legacy state: %w", err)
		}
		data = b
	}
	_, err := migration.NewMigrator(d.db, d.logger).Migrate(ctx, data, time.Now())
	return err
}

// Tick runs one round of background work: the issuer schedule, the token
// pool and the clearing cycle.
func (d *Daemon) Tick(ctx context.Context) {
	d.account.MaybeGetIssuers(ctx)
	d.account.TopUpUnblindedTokens(ctx)
	d.account.ProcessClearingCycle(ctx)
}

// Run migrates legacy state, serves the API and drives the background
// schedule until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.MigrateLegacy(ctx); err != nil {
		// A malformed document is retried on the next start.
		d.logger.Error("legacy migration failed", zap.Error(err))
	}

	clearing, _ := parseDuration("schedule.clearing_interval", d.cfg.Schedule.ClearingInterval)
	issuerCheck, _ := parseDuration("schedule.issuer_check_interval", d.cfg.Schedule.IssuerCheckInterval)
	if clearing <= 0 {
		clearing = time.Minute
	}
	if issuerCheck <= 0 {
		issuerCheck = 5 * time.Minute
	}

	srv := api.NewServer(d.account, d.logger)
	srv.SetEventHub(d.events)
	if d.cfg.Metrics.Enabled {
		srv.EnableMetrics()
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", d.cfg.API.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	d.logger.Info("api listening", zap.String("addr", ln.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	d.Tick(ctx)

	clearingTicker := time.NewTicker(clearing)
	defer clearingTicker.Stop()
	issuerTicker := time.NewTicker(issuerCheck)
	defer issuerTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("shutting down")
			// Ends open event streams so Shutdown does not wait on them.
			d.events.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown api: %w", err)
			}
			return <-serveErr
		case err := <-serveErr:
			if err == nil {
				return nil
			}
			return fmt.Errorf("serve api: %w", err)
		case <-issuerTicker.C:
			d.account.MaybeGetIssuers(ctx)
			d.account.TopUpUnblindedTokens(ctx)
		case <-clearingTicker.C:
			d.account.ProcessClearingCycle(ctx)
		}
	}
}

func (d *Daemon) logEvent(e account.Event) {
	switch e.Type {
	case account.EventCaptchaRequired:
		d.logger.Warn("captcha required to refill tokens",
			zap.String("wallet_id", e.WalletID), zap.String("captcha_id", e.CaptchaID))
	case account.EventFailedToDepositFunds:
		d.logger.Warn("failed to deposit funds",
			zap.String("creative_instance_id", e.CreativeInstanceID),
			zap.String("ad_type", string(e.AdType)),
			zap.String("confirmation_type", string(e.ConfirmationType)))
	case account.EventInvalidWallet:
		d.logger.Warn("invalid wallet", zap.String("wallet_id", e.WalletID))
	}
}
