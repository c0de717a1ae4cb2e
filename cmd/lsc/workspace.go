package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"lsc/internal/resolve"
	"lsc/internal/workspace"
	"lsc/shared/utils"
)

// stagingCommand builds add/edit/delete/revert, which share their shape.
func stagingCommand(use, short, done string, fn func(s *session, cmd *cobra.Command, paths []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <paths...>",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			paths, err := repoPaths(s.ws, args)
			if err != nil {
				return err
			}
			if err := fn(s, cmd, paths); err != nil {
				return err
			}
			if done != "" {
				for _, p := range paths {
					fmt.Printf("%s %s\n", done, p)
				}
			}
			return nil
		},
	}
}

func init() {
	addCmd := stagingCommand("add", "Stage new files; directories are added recursively", "", func(s *session, cmd *cobra.Command, paths []string) error {
		added, err := s.ws.Add(cmd.Context(), paths...)
		for _, p := range added {
			fmt.Printf("added %s\n", p)
		}
		return err
	})
	editCmd := stagingCommand("edit", "Open tracked files for editing, locking lock-required paths", "editing",
		func(s *session, cmd *cobra.Command, paths []string) error {
			return s.ws.Edit(cmd.Context(), paths...)
		})
	deleteCmd := stagingCommand("delete", "Stage tracked files for deletion", "deleted",
		func(s *session, cmd *cobra.Command, paths []string) error {
			return s.ws.Delete(cmd.Context(), paths...)
		})
	revertCmd := stagingCommand("revert", "Discard staged changes and restore the base content", "reverted",
		func(s *session, cmd *cobra.Command, paths []string) error {
			return s.ws.Revert(cmd.Context(), paths...)
		})

	var message string
	var commitCmd = &cobra.Command{
		Use:   "commit",
		Short: "Commit the staged changes to the workspace branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("a commit message is required (-m)")
			}
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			c, err := s.ws.Commit(cmd.Context(), message)
			if c == nil {
				return err
			}
			st, _ := s.ws.State()
			fmt.Printf("[%s %s] %s\n", st.Branch, utils.ShortHash(c.ID), firstLine(c.Message))
			fmt.Printf(" %d files changed\n", len(c.Changes))
			return err
		},
	}
	commitCmd.Flags().StringVarP(&message, "message", "m", "", "commit message")

	var syncCmd = &cobra.Command{
		Use:   "sync [commit]",
		Short: "Bring the workspace up to the branch head or a given commit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			res, err := s.ws.Sync(cmd.Context(), target)
			if err != nil {
				return err
			}
			if res.From == res.To {
				fmt.Println("Already up to date")
				return nil
			}
			fmt.Printf("Synced %s..%s: %d updated\n", utils.ShortHash(res.From), utils.ShortHash(res.To), len(res.Updated))
			printConflicts(res.Conflicts)
			return nil
		},
	}

	var createBranchCmd = &cobra.Command{
		Use:   "create-branch <name>",
		Short: "Create a child of the current branch and switch to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ws.CreateBranch(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Switched to new branch %s\n", args[0])
			return nil
		},
	}

	var switchBranchCmd = &cobra.Command{
		Use:   "switch-branch <name>",
		Short: "Check out the head of another branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ws.SwitchBranch(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Switched to branch %s\n", args[0])
			return nil
		},
	}

	var mergeBranchCmd = &cobra.Command{
		Use:   "merge-branch <name>",
		Short: "Merge another branch into the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.ws.MergeBranch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch {
			case res.UpToDate:
				fmt.Println("Already up to date")
			case res.FastForward:
				fmt.Printf("Fast-forwarded to %s\n", utils.ShortHash(res.Head))
			default:
				fmt.Printf("Merged %s: %d files staged\n", args[0], len(res.Staged))
				fmt.Println("  (use \"lsc commit\" to record the merge)")
			}
			printConflicts(res.Conflicts)
			return nil
		},
	}

	var choice string
	var resolveCmd = &cobra.Command{
		Use:   "resolve <path>",
		Short: "Settle a pending resolve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolve.ParseChoice(choice)
			if err != nil {
				return err
			}
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			paths, err := repoPaths(s.ws, args)
			if err != nil {
				return err
			}
			res, err := s.ws.Resolve(cmd.Context(), paths[0], c)
			if err != nil {
				return err
			}
			if res.Kind == resolve.Unresolved {
				color.Yellow("%s is still unresolved: %s", paths[0], res.Reason)
				return nil
			}
			fmt.Printf("%s: %s\n", paths[0], res.Kind)
			return nil
		},
	}
	resolveCmd.Flags().StringVarP(&choice, "choice", "c", string(resolve.ChoiceMerge), "merge, local or theirs")

	var pendingCmd = &cobra.Command{
		Use:   "resolves-pending",
		Short: "List paths waiting to be resolved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			pending, err := s.ws.PendingResolves(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No pending resolves")
				return nil
			}
			red := color.New(color.FgRed).SprintFunc()
			for _, pr := range pending {
				fmt.Printf("\t%s %s  base=%s local=%s theirs=%s\n", red("U"), pr.Path,
					orNone(pr.BaseHash), orNone(pr.LocalHash), orNone(pr.RemoteHash))
			}
			return nil
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show staged and unstaged changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.ws.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		},
	}

	var diffCmd = &cobra.Command{
		Use:   "diff <path>",
		Short: "Compare a file with its base version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			paths, err := repoPaths(s.ws, args)
			if err != nil {
				return err
			}
			result, err := s.ws.Diff(cmd.Context(), paths[0])
			if err != nil {
				return err
			}
			if result.Stats.Changes() == 0 && !result.Binary {
				return nil
			}
			fmt.Printf("--- a/%s\n+++ b/%s\n", paths[0], paths[0])
			printColoredDiff(result.Format())
			return nil
		},
	}

	var lockCmd = &cobra.Command{
		Use:   "lock <path>",
		Short: "Lock a path in the current branch's lock domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			paths, err := repoPaths(s.ws, args)
			if err != nil {
				return err
			}
			l, err := s.ws.Lock(cmd.Context(), paths[0])
			if err != nil {
				return err
			}
			fmt.Printf("Locked %s in domain %s\n", l.Path, utils.ShortHash(l.DomainID))
			return nil
		},
	}

	var unlockCmd = &cobra.Command{
		Use:   "unlock <path>",
		Short: "Release a lock held by this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			paths, err := repoPaths(s.ws, args)
			if err != nil {
				return err
			}
			if err := s.ws.Unlock(cmd.Context(), paths[0]); err != nil {
				return err
			}
			fmt.Printf("Unlocked %s\n", paths[0])
			return nil
		},
	}

	var listLocksCmd = &cobra.Command{
		Use:   "list-locks",
		Short: "List the locks of the current branch's lock domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			locks, err := s.ws.ListLocks(cmd.Context())
			if err != nil {
				return err
			}
			if len(locks) == 0 {
				fmt.Println("No locks held")
				return nil
			}
			me := s.ws.Identity().ID
			for _, l := range locks {
				who := l.Owner.String()
				if l.Owner.Workspace == me {
					who = color.GreenString("%s (this workspace)", who)
				}
				fmt.Printf("%-40s %s  %s\n", l.Path, who, humanize.Time(l.CreatedAt))
			}
			return nil
		},
	}

	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Stage changes automatically as files change, until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			w, err := s.ws.Watch(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			fmt.Printf("Watching %s, press Ctrl-C to stop\n", s.ws.Root())
			<-ctx.Done()
			return nil
		},
	}

	rootCmd.AddCommand(addCmd, editCmd, deleteCmd, revertCmd, commitCmd, syncCmd,
		createBranchCmd, switchBranchCmd, mergeBranchCmd, resolveCmd, pendingCmd,
		statusCmd, diffCmd, lockCmd, unlockCmd, listLocksCmd, watchCmd)
}

func orNone(hash string) string {
	if hash == "" {
		return "(none)"
	}
	return utils.ShortHash(hash)
}

func printConflicts(paths []string) {
	if len(paths) == 0 {
		return
	}
	red := color.New(color.FgRed).SprintFunc()
	fmt.Println("Conflicts:")
	fmt.Println("  (use \"lsc resolve <path>\" to settle them)")
	for _, p := range paths {
		fmt.Printf("\t%s %s\n", red("U"), p)
	}
}

func printStatus(st *workspace.Status) {
	fmt.Printf("On branch %s at %s\n", st.Branch, utils.ShortHash(st.Base))
	if st.Head != st.Base {
		color.Yellow("Branch head is at %s (use \"lsc sync\" to update)", utils.ShortHash(st.Head))
	}
	if st.Clean() {
		fmt.Println("Nothing to commit, working tree clean")
		return
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	if len(st.Merges) > 0 {
		fmt.Println("\nMerging:")
		for _, m := range st.Merges {
			fmt.Printf("\t%s at %s\n", m.Branch, utils.ShortHash(m.Head))
		}
	}
	if len(st.Resolves) > 0 {
		fmt.Println("\nUnresolved:")
		fmt.Println("  (use \"lsc resolve <path>\" to settle them)")
		for _, r := range st.Resolves {
			fmt.Printf("\t%s %s\n", red("U"), r.Path)
		}
	}
	if len(st.Staged) > 0 {
		fmt.Println("\nStaged changes:")
		for _, c := range st.Staged {
			fmt.Printf("\t%s %s\n", green(string(c.Type)), c.Path)
		}
	}
	if len(st.Modified) > 0 {
		fmt.Println("\nModified without edit:")
		fmt.Println("  (use \"lsc edit <file>...\" to stage them)")
		for _, p := range st.Modified {
			fmt.Printf("\t%s %s\n", yellow("M"), p)
		}
	}
	if len(st.Missing) > 0 {
		fmt.Println("\nMissing files:")
		fmt.Println("  (use \"lsc delete <file>...\" or \"lsc revert <file>...\")")
		for _, p := range st.Missing {
			fmt.Printf("\t%s %s\n", red("D"), p)
		}
	}
	if len(st.Untracked) > 0 {
		fmt.Println("\nUntracked files:")
		fmt.Println("  (use \"lsc add <file>...\" to stage them)")
		for _, p := range st.Untracked {
			fmt.Printf("\t%s %s\n", blue("?"), p)
		}
	}
}
