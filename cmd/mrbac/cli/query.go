package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iceplant/mrbac/internal/audit"
	"github.com/iceplant/mrbac/internal/rbac"
	"github.com/iceplant/mrbac/internal/registry"
)

// checkCommand answers an access question for an ad-hoc subject. A denied
// check exits with ExitRejected so scripts can branch on it.
func checkCommand(opts Options) *cobra.Command {
	var (
		module     string
		permission string
		groups     []string
		superuser  bool
	)
	cmd := &cobra.Command{
		Use:     "check",
		Short:   "Check whether a subject may access a module or holds a permission",
		Example: "mrbac check --module sales --groups Sales,HR\nmrbac check --permission inventory.add_adjustment --groups Stock",
		Args:    args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (module == "") == (permission == "") {
				return usagef("exactly one of --module or --permission is required")
			}
			subject := rbac.Subject{ID: "cli-check", Groups: groups, Superuser: superuser}
			var (
				target  string
				allowed bool
			)
			if module != "" {
				target = module
				allowed = opts.Authority.CanAccessModule(subject, module)
			} else {
				app, codename, ok := registry.ParseKey(permission)
				if !ok {
					return usagef("permission %q must look like app.codename", permission)
				}
				target = permission
				allowed = opts.Authority.HasPermission(subject, app, codename)
			}
			verdict := "deny"
			if allowed {
				verdict = "allow"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verdict, target)
			if !allowed {
				return &rbac.Error{Kind: rbac.KindForbidden, Message: fmt.Sprintf("groups [%s] may not access %s", strings.Join(groups, ", "), target)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "module to check")
	cmd.Flags().StringVar(&permission, "permission", "", "permission key app.codename to check")
	cmd.Flags().StringSliceVar(&groups, "groups", nil, "comma separated groups of the subject")
	cmd.Flags().BoolVar(&superuser, "superuser", false, "treat the subject as a superuser")
	return cmd
}

func logCommand(opts Options) *cobra.Command {
	var (
		group  string
		kind   string
		actor  string
		since  string
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the mutation log, newest first",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Timeline == nil {
				return fmt.Errorf("cli: log: mutation log not configured")
			}
			if limit < 0 {
				return usagef("--limit must not be negative")
			}
			filters := audit.TimelineFilters{Group: group, Kind: audit.Kind(kind), Actor: actor}
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return usagef("--since: %v", err)
				}
				filters.From = time.Now().Add(-d)
			}
			entries, err := opts.Timeline.Export(cmd.Context(), filters)
			if err != nil {
				return fmt.Errorf("cli: log: %w", err)
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}
			out := cmd.OutOrStdout()
			switch format {
			case "text":
				for _, e := range entries {
					fmt.Fprintf(out, "%s  %-14s %-12s %s  [%s] -> [%s]\n",
						e.At.UTC().Format(time.RFC3339), e.Kind, e.Group, e.Actor,
						strings.Join(e.Before, ", "), strings.Join(e.After, ", "))
				}
				return nil
			case "json":
				enc := json.NewEncoder(out)
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			case "csv":
				return audit.WriteCSV(out, entries)
			default:
				return usagef("unknown format %q (expected text, json or csv)", format)
			}
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "only entries for this group")
	cmd.Flags().StringVar(&kind, "kind", "", "only entries of this kind (create_group, delete_group, set_modules)")
	cmd.Flags().StringVar(&actor, "actor", "", "only entries by this actor")
	cmd.Flags().StringVar(&since, "since", "", "only entries newer than this duration, e.g. 24h")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to print; 0 prints all")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text, json or csv")
	return cmd
}
