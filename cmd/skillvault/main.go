package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"skillvault/internal/app"
	"skillvault/internal/apperr"
	"skillvault/internal/config"
	"skillvault/internal/manifest"
	"skillvault/internal/publisher"
	"skillvault/internal/registry"
	"skillvault/internal/resolver"
)

type ExitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
func (e *exitError) ExitCode() int { return e.code }

// Exit codes by error kind.
const (
	exitOK            = 0
	exitGeneric       = 1
	exitValidation    = 2
	exitConfiguration = 3
	exitDependency    = 4
	exitNetwork       = 5
	exitRegistry      = 6
	exitAuthorization = 7
	exitFileSystem    = 8
)

func main() {
	// A .env next to the invocation may carry SKILLVAULT_* settings.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		reportError(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ex ExitCoder
	if errors.As(err, &ex) {
		return ex.ExitCode()
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return exitValidation
	case apperr.KindConfiguration:
		return exitConfiguration
	case apperr.KindDependency:
		return exitDependency
	case apperr.KindNetwork:
		return exitNetwork
	case apperr.KindRegistry:
		return exitRegistry
	case apperr.KindAuthorization:
		return exitAuthorization
	case apperr.KindFileSystem:
		return exitFileSystem
	}
	return exitGeneric
}

func reportError(w io.Writer, err error) {
	fmt.Fprintln(w, "error:", apperr.Redact(err.Error()))
	if hint := apperr.Remedy(err); hint != "" {
		fmt.Fprintln(w, "hint:", hint)
	}
}

type globalFlags struct {
	configPath string
	jsonOutput bool
	verbose    bool
	gateway    string
	wallet     string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	var svc *app.Service

	newSvc := func() (*app.Service, error) {
		if svc != nil {
			return svc, nil
		}
		s, err := app.New(app.Options{
			ConfigPath: flags.configPath,
			Gateway:    flags.gateway,
			WalletPath: flags.wallet,
			Verbose:    flags.verbose,
		})
		if err != nil {
			return nil, err
		}
		svc = s
		return svc, nil
	}

	cmd := &cobra.Command{
		Use:           "skillvault",
		Short:         "Publish and install agent skills from a permanent registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if svc == nil {
				return
			}
			if flags.verbose {
				for _, line := range svc.MetricsSummary() {
					fmt.Fprintln(os.Stderr, line)
				}
			}
			_ = svc.Close()
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to config file")
	pf.BoolVar(&flags.jsonOutput, "json", false, "output JSON")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging and request metrics")
	pf.StringVar(&flags.gateway, "gateway", "", "object store gateway URL (overrides config)")
	pf.StringVar(&flags.wallet, "wallet", "", "path to wallet key file (overrides config)")

	jsonOutput := &flags.jsonOutput
	cmd.AddCommand(newPublishCmd(newSvc, jsonOutput))
	cmd.AddCommand(newInstallCmd(newSvc, jsonOutput))
	cmd.AddCommand(newUninstallCmd(newSvc, jsonOutput))
	cmd.AddCommand(newSearchCmd(newSvc, jsonOutput))
	cmd.AddCommand(newListCmd(newSvc, jsonOutput))
	cmd.AddCommand(newInfoCmd(newSvc, jsonOutput))
	cmd.AddCommand(newVersionsCmd(newSvc, jsonOutput))
	cmd.AddCommand(newStatsCmd(newSvc, jsonOutput))
	cmd.AddCommand(newTreeCmd(newSvc, jsonOutput))
	cmd.AddCommand(newRegistryInfoCmd(newSvc, jsonOutput))
	cmd.AddCommand(newValidateCmd(newSvc, jsonOutput))
	cmd.AddCommand(newDoctorCmd(newSvc, jsonOutput))
	cmd.AddCommand(newVersionCmd(jsonOutput))

	return cmd
}

func newPublishCmd(newSvc func() (*app.Service, error), jsonOutput *bool) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:     "publish [dir]",
		Aliases: []string{"push", "release"},
		Short:   "Bundle a skill directory, upload it and register it",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			svc, err := newSvc()
			if err != nil {
				return err
			}
			res, err := svc.Publish(cmd.Context(), dir, publisher.Options{DryRun: dryRun})
			if err != nil {
				return err
			}
			if *jsonOutput {
				return print(true, res, "")
			}
			for _, w := range res.Warnings {
				fmt.Fprintln(os.Stderr, "warning:", w)
			}
			if dryRun {
				fmt.Printf("dry run: %s@%s bundles to %d bytes (%s); nothing uploaded\n", res.SkillName, res.Version, res.BundleSize, res.ContentID)
				return nil
			}
			verb := "published"
			if res.Updated {
				verb = "updated"
			}
			fmt.Printf("%s %s@%s\n", verb, res.SkillName, res.Version)
			fmt.Printf("  content: %s (%d bytes, cost %d)\n", res.ContentID, res.BundleSize, res.UploadCost)
			fmt.Printf("  message: %s\n", res.RegistryMessageID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and bundle without uploading or registering")
	return cmd
}

func scopeFlags(cmd *cobra.Command, global, local *bool) {
	cmd.Flags().BoolVarP(global, "global", "g", false, "use the global install root")
	cmd.Flags().BoolVarP(local, "local", "l", false, "use the project install root (default)")
}

func newInstallCmd(newSvc func() (*app.Service, error), jsonOutput *bool) *cobra.Command {
	var global, local, force bool
	cmd := &cobra.Command{
		Use:     "install <name[@version]>",
		Aliases: []string{"i", "add"},
		Short:   "Install a skill and its dependencies",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := config.ParseScope(global, local)
			if err != nil {
				return err
			}
			svc, err := newSvc()
			if err != nil {
				return err
			}
			res, err := svc.Install(cmd.Context(), args[0], scope, force)
			if err != nil {
				return err
			}
			if *jsonOutput {
				return print(true, res, "")
			}
			if len(res.Downloaded) == 0 {
				fmt.Printf("%s already installed in %s\n", args[0], res.Root)
				return nil
			}
			for _, id := range res.Downloaded {
				fmt.Printf("installed %s\n", id)
			}
			for _, id := range res.Skipped {
				fmt.Printf("kept %s\n", id)
			}
			fmt.Printf("%d skill(s), %d dependencies, %d bytes in %s\n", len(res.InstalledSkills), res.DependencyCount, res.TotalSize, res.Elapsed)
			return nil
		},
	}
	scopeFlags(cmd, &global, &local)
	cmd.Flags().BoolVar(&force, "force", false, "reinstall skills already in the lock file")
	return cmd
}

func newUninstallCmd(newSvc func() (*app.Service, error), jsonOutput *bool) *cobra.Command {
	var global, local, force bool
	cmd := &cobra.Command{
		Use:     "uninstall <name>",
		Aliases: []string{"rm", "remove"},
		Short:   "Remove an installed skill",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := config.ParseScope(global, local)
			if err != nil {
				return err
			}
			svc, err := newSvc()
			if err != nil {
				return err
			}
			res, err := svc.Uninstall(cmd.Context(), args[0], scope, force)
			if err != nil {
				return err
			}
			msg := "removed " + res.Removed
			if len(res.Orphaned) > 0 {
				msg += "\nwarning: " + strings.Join(res.Orphaned, ", ") + " depended on it"
			}
			return print(*jsonOutput, res, msg)
		},
	}
	scopeFlags(cmd, &global, &local)
	cmd.Flags().BoolVar(&force, "force", false, "remove even if other installed skills depend on it")
	return cmd
}

func newSearchCmd(newSvc func() (*app.Service, error), jsonOutput *bool) *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:     "search [query]",
		Aliases: []string{"find"},
		Short:   "Search the registry",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			svc, err := newSvc()
			if err != nil {
				return err
			}
			items, err := svc.Search(cmd.Context(), query, tags)
			if err != nil {
				return err
			}
			if *jsonOutput {
				return print(true, items, "")
			}
			printSkills(items)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "keep only skills with this tag (repeatable)")
	return cmd
}

func newListCmd(newSvc func() (*app.Service, error), jsonOutput *bool) *cobra.Command {
	var installed, global, local, featured bool
	var opts registry.ListOptions
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registry skills, or installed skills with --installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if installed {
				scope, err := config.ParseScope(global, local)
				if err != nil {
					return err
				}
				svc, err := newSvc()
				if err != nil {
					return err
				}
				root, skills, err := svc.Installed(scope)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return print(true, skills, "")
				}
				if len(skills) == 0 {
					fmt.Printf("nothing installed in %s\n", root)
					return nil
				}
				for _, s := range skills {
					line := fmt.Sprintf("- %s@%s", s.Name, s.Version)
					if len(s.DependedOnBy) > 0 {
						line += " (required by " + strings.Join(s.DependedOnBy, ", ") + ")"
					}
					fmt.Println(line)
				}
				return nil
			}
			svc, err := newSvc()
			if err != nil {
				return err
			}
			reg, err := svc.Registry()
			if err != nil {
				return err
			}
			opts.Featured = featured
			res, err := reg.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if *jsonOutput {
				return print(true, res, "")
			}
			printSkills(res.Skills)
			if res.Total > res.Offset+len(res.Skills) {
				fmt.Printf("showing %d-%d of %d; use --offset for more\n", res.Offset+1, res.Offset+len(res.Skills), res.Total)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&installed, "installed", false, "list installed skills instead of the registry")
	scopeFlags(cmd, &global, &local)
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (registry default 20, max 100)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "skip this many results")
	cmd.Flags().StringSliceVarP(&opts.FilterTags, "tag", "t", nil, "only skills with this tag")
	cmd.Flags().StringVar(&opts.FilterName, "name", "", "only skills whose name contains this")
	cmd.Flags().BoolVar(&featured, "featured", false, "only featured skills")
	return cmd
}

func newInfoCmd(newSvc func() (*app.Service, error), jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:     "info <name[@version]>",
		Aliases: []string{"show"},
		Short:   "Show one skill's registry record",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := resolver.ParseRef(args[0])
			if err != nil {
				return err
			}
			svc, err := newSvc()
			if err != nil {
				return err
			}
			reg, err := svc.Registry()
			if err != nil {
				return err
			}
			skill, err := reg.GetSkill(cmd.Context(), ref.Name, ref.Version)
			if err != nil {
				return err
			}
			if *jsonOutput {
				return print(true, skill, "")
			}
			fmt.Printf("%s\n  %s\n", skill.ID(), skill.Description)
			fmt.Printf("  author: %s\n  owner: %s\n", skill.Author, skill.Owner)
			if len(skill.Tags) > 0 {
				fmt.Printf("  tags: %s\n", strings.Join(skill.Tags, ", "))
			}
			for _, d := range skill.Dependencies {
				fmt.Printf("  requires %s\n", manifest.DependencyRef{Name: d.Name, Version: d.Version})
			}
			fmt.Printf("  content: %s (%d bytes)\n  downloads: %d\n", skill.ContentID, skill.BundleSize, skill.Downloads)
			return nil
		},
	}
}

func newVersionsCmd(newSvc func() (*app.Service, error), jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <name>",
		Short: "List published versions of a skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newSvc()
			if err != nil {
				return err
			}
			reg, err := svc.Registry()
			if err != nil {
				return err
			}
			res, err := reg.GetVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if *jsonOutput {
				return print(true, res, "")
			}
			for _, v := range res.Versions {
				marker := ""
				if v.Version == res.Latest {
					marker = " (latest)"
				}
				fmt.Printf("- %s%s\n", v.Version, marker)
			}
			return nil
		},
	}
}

func newStatsCmd(newSvc func() (*app.Service, error), jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [name]",
		Short: "Show download statistics for the registry or one skill",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			svc, err := newSvc()
			if err != nil {
				return err
			}
			reg, err := svc.Registry()
			if err != nil {
				return err
			}
			stats, err := reg.GetDownloadStats(cmd.Context(), name)
			if err != nil {
				return err
			}
			if *jsonOutput {
				return print(true, stats, "")
			}
			if name == "" {
				fmt.Printf("%d skills, %d downloads\n", stats.TotalSkills, stats.TotalDownloads)
				return nil
			}
			fmt.Printf("%s: %d downloads (%d in 7 days, %d in 30 days)\n", name, stats.TotalDownloads, stats.Downloads7d, stats.Downloads30d)
			return nil
		},
	}
}

func newTreeCmd(newSvc func() (*app.Service, error), jsonOutput *bool) *cobra.Command {
	var global, local bool
	cmd := &cobra.Command{
		Use:     "tree <name[@version]>",
		Aliases: []string{"deps"},
		Short:   "Show a skill's resolved dependency tree",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := config.ParseScope(global, local)
			if err != nil {
				return err
			}
			svc, err := newSvc()
			if err != nil {
				return err
			}
			tree, err := svc.Tree(cmd.Context(), args[0], scope)
			if err != nil {
				return err
			}
			if *jsonOutput {
				return print(true, tree, "")
			}
			fmt.Print(resolver.Render(tree))
			fmt.Printf("%d node(s), depth %d, %d installed\n", tree.TotalCount, tree.MaxDepth, tree.InstalledCount)
			return nil
		},
	}
	scopeFlags(cmd, &global, &local)
	return cmd
}

func newRegistryInfoCmd(newSvc func() (*app.Service, error), jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "registry-info",
		Short: "Show the registry process's self-description",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newSvc()
			if err != nil {
				return err
			}
			reg, err := svc.Registry()
			if err != nil {
				return err
			}
			info, err := reg.Info(cmd.Context())
			if err != nil {
				return err
			}
			if *jsonOutput {
				return print(true, info, "")
			}
			fmt.Printf("%s %s (process %s)\n", info.Name, info.Version, info.Process)
			if len(info.Handlers) > 0 {
				fmt.Printf("handlers: %s\n", strings.Join(info.Handlers, ", "))
			}
			return nil
		},
	}
}

func newValidateCmd(newSvc func() (*app.Service, error), jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:     "validate [dir]",
		Aliases: []string{"lint"},
		Short:   "Check a skill directory's manifest without publishing",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			svc, err := newSvc()
			if err != nil {
				return err
			}
			m, res, err := svc.Validate(dir)
			if err != nil {
				return err
			}
			if err := print(*jsonOutput, res, ""); err != nil {
				return err
			}
			if !res.Valid {
				return apperr.Validation("MAN_INVALID", res.Errors)
			}
			if !*jsonOutput {
				fmt.Printf("%s is valid\n", m.ID())
			}
			return nil
		},
	}
}

func newDoctorCmd(newSvc func() (*app.Service, error), jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:     "doctor",
		Aliases: []string{"diag", "checkup"},
		Short:   "Run diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newSvc()
			if err != nil {
				return err
			}
			report := svc.Doctor(cmd.Context())
			if *jsonOutput {
				if err := print(true, report, ""); err != nil {
					return err
				}
			} else {
				if report.Healthy {
					fmt.Println("healthy")
				}
				for _, f := range report.Findings {
					fmt.Printf("[%s] %s: %s\n", f.Level, f.Code, f.Message)
				}
			}
			if !report.Healthy {
				return &exitError{code: exitGeneric, msg: "doctor found problems"}
			}
			return nil
		},
	}
}

func printSkills(items []registry.Skill) {
	if len(items) == 0 {
		fmt.Println("no results")
		return
	}
	for _, s := range items {
		line := fmt.Sprintf("- %s: %s", s.ID(), s.Description)
		if len(s.Tags) > 0 {
			line += " [" + strings.Join(s.Tags, ", ") + "]"
		}
		fmt.Println(line)
	}
}

func print(jsonOutput bool, payload any, message string) error {
	if jsonOutput {
		blob, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(blob))
		return nil
	}
	if message != "" {
		fmt.Println(message)
	}
	return nil
}
