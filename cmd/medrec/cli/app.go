package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"medrec.org/internal/auth"
	"medrec.org/internal/config"
	"medrec.org/internal/migrate"
	"medrec.org/internal/obs"
	"medrec.org/internal/store/memory"
	"medrec.org/internal/store/pg"
	"medrec.org/migrations"
)

// backend bundles the stores behind the configured driver.
type backend struct {
	creds    auth.CredentialStore
	sessions auth.SessionStore
	roles    auth.RoleStore
	persons  auth.PersonStore
	audit    auth.AuditStore

	ping  func(ctx context.Context) error
	close func() error
	db    *sql.DB
}

func (b *backend) Ping(ctx context.Context) error { return b.ping(ctx) }

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.Database.Driver {
	case "memory":
		st := memory.New()
		obs.Logger().Warn("using in-memory store, data is lost on exit")
		return &backend{
			creds:    st.Credentials(),
			sessions: st.Sessions(),
			roles:    st.Roles(),
			persons:  st.Persons(),
			audit:    st.AuditLog(),
			ping:     st.Ping,
			close:    st.Close,
		}, nil
	case "postgres":
		st, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		b := &backend{
			creds:    st.Credentials(),
			sessions: st.Sessions(),
			roles:    st.Roles(),
			persons:  st.Persons(),
			audit:    st.AuditLog(),
			ping:     st.Ping,
			close:    st.Close,
			db:       st.DB(),
		}
		if cfg.Database.AutoMigrate {
			if err := runMigrations(ctx, b.db); err != nil {
				_ = st.Close()
				return nil, err
			}
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

func newManager(db *sql.DB) *migrate.Manager {
	return migrate.NewManager(db, migrations.SQL(), migrations.Seeds())
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	mgr := newManager(db)
	applied, err := mgr.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	seeded, err := mgr.Seed(ctx)
	if err != nil {
		return fmt.Errorf("migrate seed: %w", err)
	}
	obs.Logger().Info("migrations applied", "migrations", applied, "seeds", seeded)
	return nil
}

// services builds the auth engine and admin over b.
func services(cfg config.Config, b *backend) (*auth.Engine, *auth.Admin, error) {
	hasher := auth.NewBcryptHasher(cfg.Auth.BcryptCost)
	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, auth.WithTokenIssuer(cfg.Auth.Issuer))
	if err != nil {
		return nil, nil, fmt.Errorf("token issuer: %w", err)
	}
	mfa := auth.NewTOTPVerifier(cfg.Auth.MFAIssuer)

	engine, err := auth.NewEngine(b.creds, b.sessions, hasher, tokens, mfa,
		auth.WithLockoutPolicy(auth.LockoutPolicy{
			Threshold: cfg.Auth.LockoutThreshold,
			Duration:  cfg.Auth.LockoutDuration,
		}),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithStepTTLs(cfg.Auth.MFATTL, cfg.Auth.PasswordChangeTTL),
		auth.WithMinPasswordLength(cfg.Auth.MinPasswordLength),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("auth engine: %w", err)
	}
	admin, err := auth.NewAdmin(b.creds, b.roles, b.persons, b.sessions, hasher, mfa,
		auth.WithAdminMinPasswordLength(cfg.Auth.MinPasswordLength))
	if err != nil {
		return nil, nil, fmt.Errorf("auth admin: %w", err)
	}
	return engine, admin, nil
}

// bootstrapAdmin creates the configured administrator once. The password
// is stored as temporary so the first login forces a change.
func bootstrapAdmin(ctx context.Context, cfg config.Config, b *backend, admin *auth.Admin) error {
	username := cfg.Bootstrap.AdminUsername
	if username == "" {
		return nil
	}
	if _, err := b.creds.FindByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, auth.ErrNotFound) {
		return fmt.Errorf("lookup bootstrap admin: %w", err)
	}

	person := &auth.Person{FirstName: "System", LastName: "Administrator"}
	cred, _, err := admin.Provision(ctx, person, auth.NewCredential{
		RoleID:    auth.RoleAdministrator,
		Username:  username,
		Password:  cfg.Bootstrap.AdminPassword,
		Temporary: true,
	})
	if err != nil {
		return fmt.Errorf("bootstrap administrator: %w", err)
	}
	obs.Logger().Info("bootstrap administrator created", "username", username, "credential_id", cred.ID)
	return nil
}
