package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"lsc/internal/config"
	"lsc/internal/importer"
	"lsc/internal/repository"
	"lsc/internal/workspace"
	"lsc/shared/utils"
)

func init() {
	var (
		index  string
		blobs  string
		bucket string
	)
	var initRepoCmd = &cobra.Command{
		Use:   "init-local-repository [dir]",
		Short: "Create a repository on the local filesystem",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			cfg := config.Default()
			if err := cfg.ApplyUser(); err != nil {
				return fmt.Errorf("loading user config: %w", err)
			}
			if index != "" {
				cfg.Repository.Index = index
			}
			if blobs != "" {
				cfg.Repository.Blobs = blobs
			}
			if bucket != "" {
				cfg.Repository.S3.Bucket = bucket
			}

			repo, err := repository.InitLocal(cmd.Context(), dir, cfg, logger)
			if err != nil {
				return err
			}
			defer repo.Close()

			fmt.Println("Initialized empty lsc repository in", repo.Dir)
			return nil
		},
	}
	initRepoCmd.Flags().StringVar(&index, "index", "", "metadata backend: sqlite or badger")
	initRepoCmd.Flags().StringVar(&blobs, "blobs", "", "blob backend: fs, memory or s3")
	initRepoCmd.Flags().StringVar(&bucket, "bucket", "", "S3 bucket for the s3 blob backend")

	var branchName string
	var initWorkspaceCmd = &cobra.Command{
		Use:   "init-workspace [dir]",
		Short: "Check out a branch into a new workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if repoDir == "" {
				return fmt.Errorf("--repo is required")
			}
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			absRepo, err := filepath.Abs(repoDir)
			if err != nil {
				return err
			}
			repo, err := repository.Open(cmd.Context(), absRepo, logger)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating workspace directory: %w", err)
			}
			ws, err := workspace.Init(cmd.Context(), dir, repo, workspace.InitOptions{
				Branch: branchName,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			defer ws.Close()

			st, err := ws.State()
			if err != nil {
				return err
			}
			fmt.Printf("Initialized workspace %s on %s at %s\n", ws.Root(), st.Branch, utils.ShortHash(st.Base))
			return nil
		},
	}
	initWorkspaceCmd.Flags().StringVarP(&branchName, "branch", "b", repository.MainBranch, "branch to check out")

	var listBranchesCmd = &cobra.Command{
		Use:   "list-branches",
		Short: "List branches and their lock domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			branches, err := repo.Branches.List(cmd.Context())
			if err != nil {
				return err
			}
			current := currentBranch(cmd.Context(), repo)
			green := color.New(color.FgGreen).SprintFunc()
			for _, b := range branches {
				marker := " "
				name := b.Name
				if b.Name == current {
					marker, name = "*", green(b.Name)
				}
				parent := b.Parent
				if parent == "" {
					parent = "-"
				}
				fmt.Printf("%s %-24s %s  parent=%s  domain=%s\n",
					marker, name, utils.ShortHash(b.Head), parent, utils.ShortHash(b.LockDomainID))
			}
			return nil
		},
	}

	var attachCmd = &cobra.Command{
		Use:   "attach-branch <branch> <target>",
		Short: "Move a branch and its descendants into the target's lock domain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.Locks.AttachBranch(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Attached %s to %s\n", args[0], args[1])
			return nil
		},
	}

	var detachCmd = &cobra.Command{
		Use:   "detach-branch <branch>",
		Short: "Give a branch and its descendants a lock domain of their own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			domain, err := repo.Locks.DetachBranch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Detached %s into lock domain %s\n", args[0], utils.ShortHash(domain))
			return nil
		},
	}

	var limit int
	var logCmd = &cobra.Command{
		Use:   "log [branch]",
		Short: "Show the first-parent history of a branch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			name := currentBranch(cmd.Context(), repo)
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" {
				name = repository.MainBranch
			}
			head, err := repo.Head(cmd.Context(), name)
			if err != nil {
				return err
			}
			history, err := repo.Commits.History(cmd.Context(), head.ID, limit)
			if err != nil {
				return err
			}

			yellow := color.New(color.FgYellow).SprintFunc()
			for _, c := range history {
				merge := ""
				if len(c.Parents) > 1 {
					merge = " (merge)"
				}
				fmt.Printf("%s %s  %s, %s%s\n", yellow(utils.ShortHash(c.ID)),
					firstLine(c.Message), c.Owner, humanize.Time(c.Time()), merge)
			}
			return nil
		},
	}
	logCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of commits to show (0 for all)")

	var verifyCmd = &cobra.Command{
		Use:   "verify [branch]",
		Short: "Re-hash the history and head files of a branch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			name := repository.MainBranch
			if len(args) == 1 {
				name = args[0]
			}
			n, err := repo.Verify(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s commits verified\n", name, humanize.Comma(int64(n)))
			return nil
		},
	}

	var (
		ref          string
		importBranch string
	)
	var importCmd = &cobra.Command{
		Use:   "import-git-repo <path>",
		Short: "Replay the history of a git repository onto a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			res, err := importer.ImportGitRepo(cmd.Context(), repo, args[0], ref, importBranch, logger)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d commits onto %s, now at %s\n", res.Commits, importBranch, utils.ShortHash(res.Head))
			if res.Skipped > 0 {
				fmt.Printf("Skipped %d commits without regular file changes\n", res.Skipped)
			}
			return nil
		},
	}
	importCmd.Flags().StringVar(&ref, "ref", "", "git revision to import (default HEAD)")
	importCmd.Flags().StringVarP(&importBranch, "branch", "b", repository.MainBranch, "branch to import onto")

	rootCmd.AddCommand(initRepoCmd, initWorkspaceCmd, listBranchesCmd, attachCmd, detachCmd, logCmd, verifyCmd, importCmd)
}

// currentBranch is the branch of the enclosing workspace, if any.
func currentBranch(ctx context.Context, repo *repository.Repository) string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	root, err := workspace.FindRoot(cwd)
	if err != nil {
		return ""
	}
	ws, err := workspace.Open(ctx, root, repo, logger)
	if err != nil {
		return ""
	}
	defer ws.Close()
	st, err := ws.State()
	if err != nil {
		return ""
	}
	return st.Branch
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
