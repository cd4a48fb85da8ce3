package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/hopscotch/internal/bootlog"
	"github.com/kilupskalvis/hopscotch/internal/models"
	"github.com/spf13/cobra"
)

var (
	logLines  int
	logErrors bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show launch history or the agent error log",
	Long: `Show the tail of the bootstrap log: one line per launch attempt and one
per completed initialization. With --errors, show the tail of errors.log,
where the watcher redirects agent stdout and stderr.`,
	Run: runLog,
}

func init() {
	f := logCmd.Flags()
	f.IntVarP(&logLines, "lines", "n", 20, "Number of lines to show")
	f.BoolVar(&logErrors, "errors", false, "Show errors.log instead of the bootstrap log")
}

func runLog(_ *cobra.Command, _ []string) {
	cfg := loadRootConfig()

	if logErrors {
		tailFile(cfg.ErrorsLogPath(), logLines)
		return
	}

	log := bootlog.New(cfg.BootstrapLogPath())
	entries, skipped, err := log.Entries()
	if err != nil {
		exitError("failed to read bootstrap log: %v", err)
	}
	if skipped > 0 {
		color.New(color.FgYellow).Printf("%d unparseable lines skipped\n", skipped)
	}
	if len(entries) == 0 {
		fmt.Println("(no launches recorded yet)")
		return
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	start := len(entries) - logLines
	if start < 0 {
		start = 0
	}
	for _, e := range entries[start:] {
		fmt.Printf("%s %s ", e.Timestamp.Format(time.RFC3339), e.Branch)
		if e.Phase == models.PhaseSuccess {
			green.Println(string(e.Phase))
		} else {
			yellow.Println(string(e.Phase))
		}
	}
}

func tailFile(path string, n int) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Println("(no errors logged yet)")
		return
	}
	if err != nil {
		exitError("failed to read %s: %v", path, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	start := len(lines) - n
	if start < 0 {
		start = 0
	}
	for _, line := range lines[start:] {
		fmt.Println(line)
	}
}
