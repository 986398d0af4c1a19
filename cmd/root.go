// Package cmd implements the mmdu command line interface.
package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/idiv-biodiversity/mmdu/internal/aggregate"
	"github.com/idiv-biodiversity/mmdu/internal/config"
	"github.com/idiv-biodiversity/mmdu/internal/pipeline"
	"github.com/idiv-biodiversity/mmdu/internal/policy"
	"github.com/idiv-biodiversity/mmdu/internal/scan"
	"github.com/idiv-biodiversity/mmdu/internal/stream"
)

// Version is the release version, overridden at build time.
var Version = "0.1.0-dev"

// Exit codes. Usage and configuration problems are distinguished from
// scan failures and from corrupt or unordered report data.
const (
	exitOK     = 0
	exitError  = 1
	exitUsage  = 2
	exitScan   = 3
	exitReport = 4
)

var (
	// global output control
	verbose bool
	quiet   bool

	configFile string

	// aggregation
	maxDepth      int
	countLinks    bool
	oneFileSystem bool
	excludes      []string

	// output
	allocated bool
	si        bool
	blockSize string
	inodes    bool
	both      bool
	threshold string
	sortOrder string
	nul       bool
	ncduPath  string

	// error policy
	strict bool

	// scan filter
	userID  string
	groupID string

	// forwarded to mmapplypolicy
	mmNodes         string
	mmLocalWorkDir  string
	mmGlobalWorkDir string

	sortStrategy string
)

// started flips once RunE begins, so Execute can tell argument parsing
// failures apart from runtime failures.
var started bool

var rootCmd = &cobra.Command{
	Use:   "mmdu [flags] DIR...",
	Short: "Disk usage on IBM Storage Scale file systems",
	Long: `mmdu reports disk usage of directories on IBM Storage Scale (GPFS)
file systems. Instead of walking the tree itself, it runs a parallel
policy scan via mmapplypolicy and aggregates the resulting file lists.

Without --max-depth a single total is printed per directory, which is
the main difference to du. Apparent sizes are reported by default;
--allocated switches to allocated blocks.

Directories are taken from the arguments, or from standard input when
no arguments are given.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command and maps errors to exit codes.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(exitOK)
	}

	fmt.Fprintf(os.Stderr, "mmdu: %v\n", err)
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, config.ErrConfig):
		return exitUsage
	case errors.Is(err, scan.ErrScanFailed):
		return exitScan
	case errors.Is(err, policy.ErrMalformed),
		errors.Is(err, stream.ErrUnordered),
		errors.Is(err, aggregate.ErrOrdering):
		return exitReport
	case !started:
		// argument parsing failed before the run began
		return exitUsage
	default:
		return exitError
	}
}

func run(cmd *cobra.Command, args []string) error {
	started = true

	cfg, err := buildConfig(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := &pipeline.Pipeline{
		Config:   cfg,
		Out:      cmd.OutOrStdout(),
		Errout:   cmd.ErrOrStderr(),
		Progname: "mmdu",
		Progver:  Version,
	}

	for _, dir := range cfg.Dirs {
		if err := p.Run(ctx, dir); err != nil {
			return err
		}
	}

	return nil
}

// buildConfig merges site defaults, environment and flags into a
// validated configuration.
func buildConfig(args []string) (*config.Config, error) {
	v, err := config.Defaults(configFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}

	flags := rootCmd.Flags()

	if !flags.Changed("sort-strategy") {
		sortStrategy = v.GetString("sort-strategy")
	}
	if !flags.Changed("block-size") && v.GetString("block-size") != "" {
		blockSize = v.GetString("block-size")
	}
	if !flags.Changed("mm-nodes") {
		mmNodes = v.GetString("nodes")
	}
	if !flags.Changed("mm-local-work-dir") {
		mmLocalWorkDir = v.GetString("local-work-dir")
	}
	if !flags.Changed("mm-global-work-dir") {
		mmGlobalWorkDir = v.GetString("global-work-dir")
	}

	cfg := &config.Config{
		Dirs:          args,
		MaxDepth:      maxDepth,
		CountLinks:    countLinks,
		OneFileSystem: oneFileSystem,
		Exclude:       excludes,
		Apparent:      !allocated,
		SI:            si,
		Bytes:         !inodes || both,
		Inodes:        inodes || both,
		SortOrder:     sortOrder,
		NUL:           nul,
		NcduPath:      ncduPath,
		Strict:        strict,
		User:          userID,
		Group:         groupID,
		Nodes:         mmNodes,
		LocalWorkDir:  mmLocalWorkDir,
		GlobalWorkDir: mmGlobalWorkDir,
		SortStrategy:  sortStrategy,
		Verbose:       verbose,
		Quiet:         quiet,
	}

	if blockSize != "" {
		cfg.BlockSize, err = config.ParseSize(blockSize)
		if err != nil {
			return nil, err
		}
	}

	cfg.Threshold, err = config.ParseThreshold(threshold)
	if err != nil {
		return nil, err
	}

	if len(cfg.Dirs) == 0 {
		cfg.Dirs, err = dirsFromStdin()
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// dirsFromStdin reads one directory per line. Reading from a terminal
// almost always means the arguments were forgotten, so warn once.
func dirsFromStdin() ([]string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "mmdu: no directories given, reading from terminal")
	}

	dirs, err := readLines(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading directories from stdin: %w", err)
	}

	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w: no directories given", config.ErrConfig)
	}

	return dirs, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}

	return lines, sc.Err()
}

func init() {
	// assigned here because run reaches back to rootCmd's flag set; a
	// RunE field in the literal would form an initialization cycle
	rootCmd.RunE = run

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	pf.BoolVarP(&quiet, "quiet", "q", false, "suppress warnings")
	pf.StringVar(&configFile, "config", "", "config file (default searches /etc, ~/.config/mmdu, .)")

	f := rootCmd.Flags()

	f.IntVarP(&maxDepth, "max-depth", "d", 0, "report directories up to this depth below each argument")
	f.BoolVarP(&countLinks, "count-links", "l", false, "count hard-linked files every time they are seen")
	f.BoolVarP(&oneFileSystem, "one-file-system", "x", false, "skip directories on other file systems")
	f.StringArrayVar(&excludes, "exclude", nil, "exclude paths matching this glob pattern")

	f.BoolVar(&allocated, "allocated", false, "report allocated blocks instead of apparent sizes")
	f.BoolVar(&si, "si", false, "use powers of 1000 instead of 1024")
	f.StringVarP(&blockSize, "block-size", "B", "", "print counts of this block size instead of human-readable sizes")
	f.BoolVar(&inodes, "inodes", false, "report inode counts instead of sizes")
	f.BoolVar(&both, "both", false, "report sizes and inode counts")
	f.StringVarP(&threshold, "threshold", "t", "", "exclude entries smaller than SIZE, or larger if negative")
	f.StringVar(&sortOrder, "sort", config.OrderNone, "sort entries by size (none, asc, desc)")
	f.BoolVarP(&nul, "null", "0", false, "end each output line with NUL instead of newline")
	f.StringVar(&ncduPath, "report-ncdu", "", "additionally write an ncdu export to this file")

	f.BoolVar(&strict, "strict", false, "abort on malformed report lines instead of skipping them")

	f.StringVar(&userID, "user", "", "only count files owned by this numeric user id")
	f.StringVar(&groupID, "group", "", "only count files owned by this numeric group id")

	f.StringVar(&mmNodes, "mm-nodes", "", "forwarded to mmapplypolicy -N")
	f.StringVar(&mmLocalWorkDir, "mm-local-work-dir", "", "forwarded to mmapplypolicy -s")
	f.StringVar(&mmGlobalWorkDir, "mm-global-work-dir", "", "forwarded to mmapplypolicy -g")

	f.StringVar(&sortStrategy, "sort-strategy", config.StrategyKWay, "how to order multi-channel reports (kway, full)")

	rootCmd.MarkFlagsMutuallyExclusive("inodes", "both")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}
