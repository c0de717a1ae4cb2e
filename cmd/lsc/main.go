// cmd/lsc/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	lscerrors "lsc/internal/errors"
	"lsc/internal/logging"
	"lsc/internal/repository"
	"lsc/internal/workspace"
)

var (
	logger   = zap.NewNop()
	verbose  bool
	logLevel string
	repoDir  string
)

var rootCmd = &cobra.Command{
	Use:   "lsc",
	Short: "Legion Source Control",
	Long: `lsc is a centralized version control system. Workspaces stage changes
against a branch of a shared repository; commits land through a compare and
swap on the branch head, and path locks keep binary assets from diverging.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var (
			l   *logging.Logger
			err error
		)
		if verbose {
			l, err = logging.NewDevelopment("debug")
		} else {
			l, err = logging.NewLogger(logLevel)
		}
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		logger = l.Logger
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "error", "log level")
	rootCmd.PersistentFlags().StringVar(&repoDir, "repo", "", "repository directory (defaults to the current workspace's)")
}

// session is an open workspace and its repository.
type session struct {
	repo *repository.Repository
	ws   *workspace.Workspace
}

func (s *session) Close() {
	if s.ws != nil {
		s.ws.Close()
	}
	s.repo.Close()
}

// openRepository opens --repo, or the repository of the enclosing workspace.
func openRepository(ctx context.Context) (*repository.Repository, error) {
	dir := repoDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting current directory: %w", err)
		}
		root, err := workspace.FindRoot(cwd)
		if err != nil {
			return nil, err
		}
		id, err := workspace.ReadIdentity(root)
		if err != nil {
			return nil, err
		}
		dir = id.Repository
	}
	return repository.Open(ctx, dir, logger)
}

// openWorkspace opens the workspace enclosing the current directory.
func openWorkspace(ctx context.Context) (*session, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}
	root, err := workspace.FindRoot(cwd)
	if err != nil {
		return nil, err
	}
	id, err := workspace.ReadIdentity(root)
	if err != nil {
		return nil, err
	}
	dir := repoDir
	if dir == "" {
		dir = id.Repository
	}

	repo, err := repository.Open(ctx, dir, logger)
	if err != nil {
		return nil, err
	}
	ws, err := workspace.Open(ctx, root, repo, logger)
	if err != nil {
		repo.Close()
		return nil, err
	}
	return &session{repo: repo, ws: ws}, nil
}

// repoPaths converts command line paths into repository paths. The
// workspace root itself becomes ".".
func repoPaths(ws *workspace.Workspace, args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		if abs == ws.Root() {
			out = append(out, ".")
			continue
		}
		p, err := ws.Path(abs)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func printColoredDiff(diff string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	for _, line := range strings.Split(strings.TrimSuffix(diff, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			header.Println(line)
		case strings.HasPrefix(line, "+"):
			added.Println(line)
		case strings.HasPrefix(line, "-"):
			removed.Println(line)
		default:
			fmt.Println(line)
		}
	}
}

func main() {
	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(lscerrors.ExitCode(err))
	}
}
