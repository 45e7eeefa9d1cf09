package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/soundledger/permgate/pkg/rbac"
)

// newFlagSet returns a flag set that reports errors instead of exiting
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// positional parses flags and requires exactly n positional arguments
func positional(fs *flag.FlagSet, args []string, n int, usage string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != n {
		return nil, fmt.Errorf("usage: permctl %s %s", fs.Name(), usage)
	}
	return fs.Args(), nil
}

func newMigrateCommand(app *App) *Command {
	cmd := &Command{
		Name:        "migrate",
		Description: "Apply pending schema migrations",
		Flags:       newFlagSet("migrate"),
	}
	cmd.Run = func(ctx context.Context, args []string) error {
		if _, err := positional(cmd.Flags, args, 0, ""); err != nil {
			return err
		}
		ctx = app.context(ctx)
		db, err := app.DB(ctx)
		if err != nil {
			return err
		}
		applied, err := rbac.RunMigrations(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		fmt.Fprintf(app.Out, "Applied %d migration(s)\n", applied)
		return nil
	}
	return cmd
}

func newSeedCommand(app *App) *Command {
	cmd := &Command{
		Name:        "seed",
		Usage:       "[-file path] [-watch]",
		Description: "Apply the built-in or a YAML seed",
		Flags:       newFlagSet("seed"),
	}
	file := cmd.Flags.String("file", "", "Seed file (default: built-in catalog and roles)")
	watch := cmd.Flags.Bool("watch", false, "Re-apply the seed file whenever it changes")

	cmd.Run = func(ctx context.Context, args []string) error {
		if _, err := positional(cmd.Flags, args, 0, "[-file path] [-watch]"); err != nil {
			return err
		}
		if *watch && *file == "" {
			return errors.New("-watch requires -file")
		}
		ctx = app.context(ctx)
		manager, err := app.Manager(ctx)
		if err != nil {
			return err
		}

		if err := applySeedFile(ctx, app, manager.GetStore(), *file); err != nil {
			return err
		}
		if !*watch {
			return nil
		}
		return watchSeed(ctx, app, manager.GetStore(), *file)
	}
	return cmd
}

func applySeedFile(ctx context.Context, app *App, store *rbac.Store, path string) error {
	var (
		seed *rbac.Seed
		err  error
	)
	if path == "" {
		seed, err = rbac.DefaultSeed()
	} else {
		seed, err = rbac.LoadSeed(path)
	}
	if err != nil {
		return err
	}

	result, err := rbac.ApplySeed(ctx, store, seed)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Seed applied: %d permission(s) created, %d role(s) created, %d role(s) updated\n",
		result.PermissionsCreated, result.RolesCreated, result.RolesUpdated)
	return nil
}

func newGrantCommand(app *App) *Command {
	return newOverrideCommand(app, "grant", "Grant a permission to a user", false)
}

func newDenyCommand(app *App) *Command {
	return newOverrideCommand(app, "deny", "Deny a permission to a user", true)
}

func newOverrideCommand(app *App, name, description string, denied bool) *Command {
	cmd := &Command{
		Name:        name,
		Usage:       "<user> <permission>",
		Description: description,
		Flags:       newFlagSet(name),
	}
	cmd.Run = func(ctx context.Context, args []string) error {
		pos, err := positional(cmd.Flags, args, 2, cmd.Usage)
		if err != nil {
			return err
		}
		userID, permName := pos[0], pos[1]

		ctx = app.context(ctx)
		manager, err := app.Manager(ctx)
		if err != nil {
			return err
		}
		store := manager.GetStore()

		perm, err := store.GetPermissionByName(ctx, permName)
		if err != nil {
			return err
		}
		if err := store.SetOverride(ctx, userID, perm.ID, denied); err != nil {
			return err
		}

		verb := "Granted"
		if denied {
			verb = "Denied"
		}
		app.Logger.WithFields(map[string]interface{}{
			"user":       userID,
			"permission": perm.Name,
			"denied":     denied,
		}).Debug("override set")
		fmt.Fprintf(app.Out, "%s %s to %s\n", verb, perm.Name, userID)
		return nil
	}
	return cmd
}

func newClearCommand(app *App) *Command {
	cmd := &Command{
		Name:        "clear",
		Usage:       "<user> <permission>",
		Description: "Remove a user's grant or deny",
		Flags:       newFlagSet("clear"),
	}
	cmd.Run = func(ctx context.Context, args []string) error {
		pos, err := positional(cmd.Flags, args, 2, cmd.Usage)
		if err != nil {
			return err
		}

		ctx = app.context(ctx)
		manager, err := app.Manager(ctx)
		if err != nil {
			return err
		}
		store := manager.GetStore()

		perm, err := store.GetPermissionByName(ctx, pos[1])
		if err != nil {
			return err
		}
		if err := store.ClearOverride(ctx, pos[0], perm.ID); err != nil {
			return err
		}
		fmt.Fprintf(app.Out, "Cleared %s for %s\n", perm.Name, pos[0])
		return nil
	}
	return cmd
}

func newResetCommand(app *App) *Command {
	cmd := &Command{
		Name:        "reset",
		Usage:       "<user>",
		Description: "Remove every override of a user",
		Flags:       newFlagSet("reset"),
	}
	cmd.Run = func(ctx context.Context, args []string) error {
		pos, err := positional(cmd.Flags, args, 1, cmd.Usage)
		if err != nil {
			return err
		}

		ctx = app.context(ctx)
		manager, err := app.Manager(ctx)
		if err != nil {
			return err
		}
		removed, err := manager.GetStore().ResetAllOverrides(ctx, pos[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(app.Out, "Removed %d override(s) for %s\n", removed, pos[0])
		return nil
	}
	return cmd
}

func newAssignCommand(app *App) *Command {
	cmd := &Command{
		Name:        "assign",
		Usage:       "<user> <role|id|0>",
		Description: "Assign a role to a user (0 clears it)",
		Flags:       newFlagSet("assign"),
	}
	cmd.Run = func(ctx context.Context, args []string) error {
		pos, err := positional(cmd.Flags, args, 2, cmd.Usage)
		if err != nil {
			return err
		}

		ctx = app.context(ctx)
		manager, err := app.Manager(ctx)
		if err != nil {
			return err
		}

		role, err := lookupRole(ctx, manager.GetStore(), pos[1])
		if err != nil {
			return err
		}
		var roleID int64
		if role != nil {
			roleID = role.ID
		}
		if err := manager.GetProfiles().AssignRole(ctx, pos[0], roleID); err != nil {
			return err
		}

		if role == nil {
			fmt.Fprintf(app.Out, "Cleared role of %s\n", pos[0])
		} else {
			fmt.Fprintf(app.Out, "Assigned role %s to %s\n", role.Name, pos[0])
		}
		return nil
	}
	return cmd
}

// lookupRole accepts a role name or numeric ID; "0" returns a nil role
func lookupRole(ctx context.Context, store *rbac.Store, arg string) (*rbac.Role, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		if id == 0 {
			return nil, nil
		}
		return store.GetRole(ctx, id)
	}
	return store.GetRoleByName(ctx, arg)
}

func newCanCommand(app *App) *Command {
	cmd := &Command{
		Name:        "can",
		Usage:       "<user> <permission>",
		Description: "Check a permission and explain the decision",
		Flags:       newFlagSet("can"),
	}
	asJSON := cmd.Flags.Bool("json", false, "Output in JSON format")

	cmd.Run = func(ctx context.Context, args []string) error {
		pos, err := positional(cmd.Flags, args, 2, "[-json] <user> <permission>")
		if err != nil {
			return err
		}

		ctx = app.context(ctx)
		manager, err := app.Manager(ctx)
		if err != nil {
			return err
		}
		result, err := manager.GetChecker().CheckPermission(ctx, rbac.PermissionCheck{
			UserID:     pos[0],
			Permission: pos[1],
		})
		if result == nil {
			return err
		}

		// a failed-closed check still prints its denial before the error
		if *asJSON {
			if jsonErr := writeJSON(app.Out, result); jsonErr != nil {
				return jsonErr
			}
			return err
		}

		decision := "DENIED"
		if result.Allowed {
			decision = "ALLOWED"
		}
		fmt.Fprintf(app.Out, "%s %s %s\n", decision, pos[0], pos[1])
		fmt.Fprintf(app.Out, "  reason: %s\n", result.Reason)
		if result.MatchedRule != "" {
			fmt.Fprintf(app.Out, "  matched rule: %s\n", result.MatchedRule)
		}
		if result.DeniedBy != "" {
			fmt.Fprintf(app.Out, "  denied by: %s\n", result.DeniedBy)
		}
		return err
	}
	return cmd
}

func newEffectiveCommand(app *App) *Command {
	cmd := &Command{
		Name:        "effective",
		Usage:       "<user>",
		Description: "List a user's effective permissions",
		Flags:       newFlagSet("effective"),
	}
	asJSON := cmd.Flags.Bool("json", false, "Output in JSON format")

	cmd.Run = func(ctx context.Context, args []string) error {
		pos, err := positional(cmd.Flags, args, 1, "[-json] <user>")
		if err != nil {
			return err
		}

		ctx = app.context(ctx)
		manager, err := app.Manager(ctx)
		if err != nil {
			return err
		}
		permissions, err := manager.EffectivePermissions(ctx, pos[0])
		if err != nil {
			return err
		}

		if *asJSON {
			return writeJSON(app.Out, map[string]interface{}{
				"user_id":     pos[0],
				"permissions": permissions,
			})
		}
		for _, p := range permissions {
			fmt.Fprintln(app.Out, p)
		}
		return nil
	}
	return cmd
}

func newWhoCanCommand(app *App) *Command {
	cmd := &Command{
		Name:        "who-can",
		Usage:       "<permission>",
		Description: "List every user holding a permission",
		Flags:       newFlagSet("who-can"),
	}
	asJSON := cmd.Flags.Bool("json", false, "Output in JSON format")

	cmd.Run = func(ctx context.Context, args []string) error {
		pos, err := positional(cmd.Flags, args, 1, "[-json] <permission>")
		if err != nil {
			return err
		}

		ctx = app.context(ctx)
		manager, err := app.Manager(ctx)
		if err != nil {
			return err
		}
		review, err := manager.WhoCan(ctx, pos[0])
		if review == nil {
			return err
		}
		if err != nil {
			app.Logger.WithError(err).Warn("Some users could not be checked; the list is incomplete")
		}

		if *asJSON {
			if jsonErr := writeJSON(app.Out, review); jsonErr != nil {
				return jsonErr
			}
			return err
		}
		for _, userID := range review.Allowed {
			fmt.Fprintln(app.Out, userID)
		}
		fmt.Fprintf(app.Out, "%d of %d user(s) hold %s\n", len(review.Allowed), review.Checked, review.Permission)
		return err
	}
	return cmd
}

func newFlushCommand(app *App) *Command {
	cmd := &Command{
		Name:        "flush",
		Usage:       "[-reason text]",
		Description: "Drop every cached permission set",
		Flags:       newFlagSet("flush"),
	}
	reason := cmd.Flags.String("reason", "manual flush", "Reason recorded in the audit trail")

	cmd.Run = func(ctx context.Context, args []string) error {
		if _, err := positional(cmd.Flags, args, 0, cmd.Usage); err != nil {
			return err
		}

		ctx = app.context(ctx)
		manager, err := app.Manager(ctx)
		if err != nil {
			return err
		}
		if err := manager.Flush(ctx, *reason); err != nil {
			return err
		}
		fmt.Fprintln(app.Out, "Cache flushed")
		return nil
	}
	return cmd
}

func newStatsCommand(app *App) *Command {
	cmd := &Command{
		Name:        "stats",
		Description: "Show catalog, role and override counts",
		Flags:       newFlagSet("stats"),
	}
	cmd.Run = func(ctx context.Context, args []string) error {
		if _, err := positional(cmd.Flags, args, 0, ""); err != nil {
			return err
		}

		ctx = app.context(ctx)
		manager, err := app.Manager(ctx)
		if err != nil {
			return err
		}
		stats, err := manager.GetStats(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(app.Out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "PERMISSIONS\t%d\n", stats.Permissions)
		fmt.Fprintf(w, "ROLES\t%d\n", stats.Roles)
		fmt.Fprintf(w, "SYSTEM ROLES\t%d\n", stats.SystemRoles)
		fmt.Fprintf(w, "GRANTS\t%d\n", stats.Grants)
		fmt.Fprintf(w, "DENIES\t%d\n", stats.Denies)
		return w.Flush()
	}
	return cmd
}

func writeJSON(out io.Writer, v interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
