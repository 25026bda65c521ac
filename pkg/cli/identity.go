package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/takgate/pkg/auth"
	"github.com/platinummonkey/takgate/pkg/idp"
	"github.com/platinummonkey/takgate/pkg/roles"
)

// Identity is what the identity provider knows about a user, and the access
// level a login would derive from it
type Identity struct {
	Username string           `json:"username"`
	Email    string           `json:"email"`
	Name     string           `json:"name,omitempty"`
	Active   bool             `json:"active"`
	Groups   []string         `json:"groups"`
	Callsign string           `json:"callsign,omitempty"`
	Color    string           `json:"color,omitempty"`
	Access   auth.AccessLevel `json:"access"`
	Agencies []int            `json:"agencies,omitempty"`
}

func newWhoisCommand() *Command {
	cmd := &Command{
		Name:        "whois",
		Description: "Look up a user in the identity provider",
		Flags:       newFlags("whois"),
	}

	user := cmd.Flags.String("user", "", "Username or email")

	cmd.Run = func(ctx context.Context, env *Env, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *user == "" {
			return errors.New("user is required")
		}

		client, err := env.identityProvider(ctx)
		if err != nil {
			return err
		}

		record, err := client.LookupUser(ctx, *user)
		if errors.Is(err, idp.ErrNotFound) {
			return fmt.Errorf("no identity provider user %s", *user)
		}
		if err != nil {
			return err
		}
		groups, err := client.Groups(ctx, *user)
		if err != nil {
			return err
		}
		attrs, err := client.Attributes(ctx, *user)
		if err != nil {
			return err
		}

		admin := roles.IsSystemAdmin(groups, env.Config.Roles.AdminGroup)
		agencies := roles.AgencyIDs(groups, env.Config.Roles.AgencyPrefix)
		return writeJSON(env, Identity{
			Username: record.Username,
			Email:    record.Email,
			Name:     record.Name,
			Active:   record.Active,
			Groups:   groups,
			Callsign: attrs.Callsign,
			Color:    attrs.Color,
			Access:   auth.AccessLevelFor(admin, agencies),
			Agencies: agencies,
		})
	}
	return cmd
}

func newServiceAccountCommand() *Command {
	cmd := &Command{
		Name:        "service-account",
		Description: "Create or list identity provider service accounts",
		Subcommands: make(map[string]*Command),
		Flags:       newFlags("service-account"),
	}

	create := &Command{
		Name:        "create",
		Description: "Create a non-expiring service account",
		Flags:       newFlags("create"),
	}
	name := create.Flags.String("name", "", "Service account name")
	create.Run = func(ctx context.Context, env *Env, args []string) error {
		if err := create.Flags.Parse(args); err != nil {
			return err
		}
		if *name == "" {
			return errors.New("name is required")
		}

		client, err := env.identityProvider(ctx)
		if err != nil {
			return err
		}
		account, err := client.CreateServiceAccount(ctx, *name)
		if err != nil {
			return err
		}
		env.Logger.WithFields(logrus.Fields{"username": account.Username}).Info("Created service account")
		return writeJSON(env, account)
	}

	list := &Command{
		Name:        "list",
		Description: "List service accounts",
		Flags:       newFlags("list"),
	}
	list.Run = func(ctx context.Context, env *Env, args []string) error {
		if err := list.Flags.Parse(args); err != nil {
			return err
		}
		client, err := env.identityProvider(ctx)
		if err != nil {
			return err
		}
		accounts, err := client.ListServiceAccounts(ctx)
		if err != nil {
			return err
		}
		for _, a := range accounts {
			fmt.Fprintf(env.Out, "%s\t%s\n", a.Username, a.Name)
		}
		return nil
	}

	cmd.Subcommands[create.Name] = create
	cmd.Subcommands[list.Name] = list
	return cmd
}

// identityClient is the part of the identity provider the CLI uses
type identityClient interface {
	idp.Provider
	idp.ServiceAccountManager
}

func (e *Env) identityProvider(ctx context.Context) (identityClient, error) {
	cfg := e.Config.IdP
	if !cfg.Enabled() {
		return nil, errors.New("TAKGATE_IDP_URL is not set")
	}
	return idp.NewClient(ctx, idp.Config{
		BaseURL:           cfg.URL,
		Token:             cfg.Token,
		ClientID:          cfg.ClientID,
		ClientSecret:      cfg.ClientSecret,
		TokenURL:          cfg.TokenURL,
		CallsignAttribute: cfg.CallsignAttribute,
		ColorAttribute:    cfg.ColorAttribute,
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
	})
}
