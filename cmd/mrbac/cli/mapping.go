package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/iceplant/mrbac/internal/mapping"
	"github.com/iceplant/mrbac/internal/persist"
	"github.com/iceplant/mrbac/internal/rbac"
)

func listCommand(opts Options) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the current module to groups mapping",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			current := opts.Authority.CurrentMapping()
			out := cmd.OutOrStdout()
			switch strings.ToLower(format) {
			case "json":
				_, err := out.Write(persist.Encode(mapping.New(current)))
				return err
			case "yaml":
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(current); err != nil {
					return fmt.Errorf("cli: list: %w", err)
				}
				return enc.Close()
			default:
				return usagef("unknown format %q (expected json or yaml)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	return cmd
}

func syncCommand(opts Options) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile group permissions with the mapping",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.Authority.Sync(cmd.Context(), opts.Actor, rbac.SyncRequest{Group: group})
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d group(s): %d granted, %d revoked\n", len(res.Groups), res.Granted, res.Revoked)
			if len(res.Failed) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "failed: %s\n", strings.Join(res.Failed, ", "))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "only sync this group")
	return cmd
}

func setCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:     "set GROUP MODULE=true|false...",
		Short:   "Grant or revoke modules for a group, leaving other modules alone",
		Example: "mrbac set Sales sales=true inventory=false",
		Args:    args(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, a []string) error {
			modules := make(map[string]bool, len(a)-1)
			for _, pair := range a[1:] {
				module, raw, ok := strings.Cut(pair, "=")
				if !ok || module == "" {
					return usagef("expected MODULE=true|false, got %q", pair)
				}
				allow, err := strconv.ParseBool(raw)
				if err != nil {
					return usagef("module %s: %q is not a boolean", module, raw)
				}
				modules[module] = allow
			}
			res, err := opts.Authority.SetModules(cmd.Context(), opts.Actor, rbac.SetModulesParams{Group: a[0], Modules: modules})
			if err != nil {
				return err
			}
			printResult(cmd, a[0], res)
			return nil
		},
	}
}

func replaceCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "replace GROUP [MODULE...]",
		Short: "Make the listed modules the group's exact module set",
		Args:  args(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, a []string) error {
			res, err := opts.Authority.ReplaceModules(cmd.Context(), opts.Actor, rbac.ReplaceModulesParams{Group: a[0], Modules: a[1:]})
			if err != nil {
				return err
			}
			printResult(cmd, a[0], res)
			return nil
		},
	}
}

func createGroupCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "create-group NAME",
		Short: "Create an empty group",
		Args:  args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, a []string) error {
			res, err := opts.Authority.CreateGroup(cmd.Context(), opts.Actor, rbac.CreateGroupParams{Name: a[0]})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
}

func deleteGroupCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-group NAME",
		Short: "Delete a group and drop it from every module",
		Args:  args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, a []string) error {
			res, err := opts.Authority.DeleteGroup(cmd.Context(), opts.Actor, rbac.DeleteGroupParams{Name: a[0]})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
}

func printResult(cmd *cobra.Command, group string, res rbac.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Message)
	printList(out, "added", res.Diff.Added)
	printList(out, "removed", res.Diff.Removed)
	if len(res.Ignored) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "ignored unknown modules: %s\n", strings.Join(res.Ignored, ", "))
	}
	modules := mapping.New(res.Mapping).ModulesFor(group)
	fmt.Fprintf(out, "%s: [%s]\n", group, strings.Join(modules, ", "))
}

// printList prints the modules of a diff side.
func printList(out io.Writer, label string, byModule map[string][]string) {
	if len(byModule) == 0 {
		return
	}
	modules := slices.Sorted(maps.Keys(byModule))
	fmt.Fprintf(out, "%s: %s\n", label, strings.Join(modules, ", "))
}
