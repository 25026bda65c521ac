package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/takgate/pkg/audit"
)

func newAuditCommand() *Command {
	cmd := &Command{
		Name:        "audit",
		Description: "Print recent audit events from the gateway's audit directory",
		Flags:       newFlags("audit"),
	}

	user := cmd.Flags.String("user", "", "Only events for this username (actor or impersonator)")
	eventType := cmd.Flags.String("type", "", "Only events of this type, e.g. auth.login_failed")
	since := cmd.Flags.Duration("since", 0, "Only events newer than this; 0 disables the filter")
	limit := cmd.Flags.Int("n", 50, "Newest events to print; 0 prints all")
	dir := cmd.Flags.String("dir", "", "Audit directory (defaults to TAKGATE_AUDIT_PATH)")

	cmd.Run = func(ctx context.Context, env *Env, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		path := *dir
		if path == "" {
			path = env.Config.Audit.Path
		}
		if path == "" {
			return errors.New("audit directory is not set")
		}

		var cutoff time.Time
		if *since > 0 {
			cutoff = time.Now().Add(-*since)
		}
		match := func(e *audit.AuditEvent) bool {
			if *user != "" && !strings.EqualFold(e.Username, *user) && !strings.EqualFold(e.Impersonator, *user) {
				return false
			}
			if *eventType != "" && string(e.EventType) != *eventType {
				return false
			}
			return cutoff.IsZero() || !e.Timestamp.Before(cutoff)
		}

		events, err := audit.ReadEvents(path, *limit, match)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Fprintf(env.Out, "%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.UTC().Format(time.RFC3339), e.EventType, e.Status, e.Username, describe(e))
		}
		return nil
	}
	return cmd
}

func describe(e *audit.AuditEvent) string {
	parts := make([]string, 0, 3)
	if e.Impersonator != "" {
		parts = append(parts, "by "+e.Impersonator)
	}
	if e.ResourceID != "" {
		parts = append(parts, e.ResourceType+":"+e.ResourceID)
	}
	switch {
	case e.ErrorMessage != "":
		parts = append(parts, e.ErrorMessage)
	case e.Message != "":
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, " ")
}
