package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/takgate/pkg/credential"
	"github.com/platinummonkey/takgate/pkg/profile"
)

// CredentialStatus is the stored credential state of one user
type CredentialStatus struct {
	Username  string     `json:"username"`
	State     string     `json:"state"`
	Subject   string     `json:"subject,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

func newCredStatusCommand() *Command {
	cmd := &Command{
		Name:        "cred-status",
		Description: "Show the stored client certificate state of a user",
		Flags:       newFlags("cred-status"),
	}

	user := cmd.Flags.String("user", "", "Username (email)")

	cmd.Run = func(ctx context.Context, env *Env, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *user == "" {
			return errors.New("user is required")
		}

		store, closeStore, err := env.profiles(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		p, err := store.Get(ctx, *user)
		if errors.Is(err, profile.ErrNotFound) {
			return fmt.Errorf("no profile for %s", *user)
		}
		if err != nil {
			return err
		}

		return writeJSON(env, credentialStatus(p, time.Now(), env.Config.CA.RenewalThreshold))
	}
	return cmd
}

func credentialStatus(p *profile.Profile, now time.Time, threshold time.Duration) CredentialStatus {
	status := CredentialStatus{
		Username:  p.Username,
		State:     credential.Evaluate(&p.Credential, now, threshold).String(),
		LastLogin: p.LastLogin,
	}
	if leaf, err := p.Credential.Leaf(); err == nil {
		status.Subject = leaf.Subject.CommonName
		status.NotAfter = timeOrNil(leaf.NotAfter)
	}
	return status
}

func (e *Env) profiles(ctx context.Context) (profile.Store, func(), error) {
	cfg := e.Config.Storage
	if cfg.DSN == "" {
		return nil, nil, errors.New("TAKGATE_DB_DSN is not set")
	}

	db, dialect, err := profile.Open(ctx, profile.ConnectionConfig{
		Driver:  cfg.Driver,
		DSN:     cfg.DSN,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	e.Logger.WithFields(logrus.Fields{"driver": dialect}).Debug("Connected to profile database")

	return profile.NewSQLStore(db, dialect), func() { db.Close() }, nil
}
