package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/san-kum/pidtune/internal/config"
	"github.com/san-kum/pidtune/internal/control"
	"github.com/san-kum/pidtune/internal/episode"
	"github.com/san-kum/pidtune/internal/storage"
)

var (
	cyan    = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	white   = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	dimmer  = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	green   = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	red     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	yellow  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	magenta = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
)

func outcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case episode.Converged.String():
		return green
	case episode.Diverged.String():
		return red
	default:
		return yellow
	}
}

func gainsString(g control.Gains) string {
	return fmt.Sprintf("%.7f %.7f %.7f", g.Kp, g.Ki, g.Kd)
}

func costString(c float64) string {
	if math.IsInf(c, 0) || math.IsNaN(c) {
		return "n/a"
	}
	return fmt.Sprintf("%.7f", c)
}

func field(w io.Writer, name, val string) {
	fmt.Fprintf(w, "  %s %s\n", dim.Render(fmt.Sprintf("%-12s", name)), val)
}

func printSummary(w io.Writer, s *episode.Summary) {
	out := s.Outcome.String()
	fmt.Fprintln(w, outcomeStyle(out).Render("● "+out))
	field(w, "best gains", magenta.Render(gainsString(s.BestGains)))
	field(w, "best cost", white.Render(costString(s.BestCost)))
	field(w, "episodes", fmt.Sprint(s.Episodes))
	field(w, "samples", fmt.Sprint(s.Samples))
}

func printGains(w io.Writer, title string, g control.Gains, cost float64) {
	fmt.Fprintln(w, cyan.Render(title))
	field(w, "gains", magenta.Render(gainsString(g)))
	field(w, "cost", white.Render(costString(cost)))
}

func openStore(dir string) (*storage.Store, error) {
	st := storage.New(dir)
	if err := st.Init(); err != nil {
		return nil, err
	}
	return st, nil
}

// reportStore honours storage.dir from --config unless --data was given.
func reportStore(cmd *cobra.Command) (*storage.Store, error) {
	dir := dataDir
	if configFile != "" && !cmd.Flags().Changed("data") {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		dir = cfg.Storage.Dir
	}
	return storage.New(dir), nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	st, err := reportStore(cmd)
	if err != nil {
		return err
	}
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTRANSPORT\tTIME\tOUTCOME\tEPISODES\tBEST COST\tBEST GAINS")

	for _, run := range runs {
		cost := "n/a"
		if run.BestCost != nil {
			cost = costString(*run.BestCost)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			run.ID,
			run.Transport,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Outcome,
			run.Episodes,
			cost,
			gainsString(run.BestGains),
		)
	}

	return w.Flush()
}

func showRun(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st, err := reportStore(cmd)
	if err != nil {
		return err
	}
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}
	rows, err := st.LoadEpisodes(runID)
	if err != nil {
		return err
	}

	w := os.Stdout
	fmt.Fprintln(w, dimmer.Render("╺"+strings.Repeat("━", 40)+"╸"))
	fmt.Fprintln(w, cyan.Render(meta.ID)+"  "+outcomeStyle(meta.Outcome).Render(meta.Outcome))
	field(w, "transport", meta.Transport)
	field(w, "started", meta.Timestamp.Format("2006-01-02 15:04:05"))
	if !meta.Finished.IsZero() {
		field(w, "duration", meta.Finished.Sub(meta.Timestamp).Round(time.Millisecond).String())
	}
	field(w, "throttle", fmt.Sprintf("%.3f", meta.Throttle))
	field(w, "start gains", gainsString(meta.InitialGains))
	field(w, "best gains", magenta.Render(gainsString(meta.BestGains)))
	if meta.BestCost != nil {
		field(w, "best cost", white.Render(costString(*meta.BestCost)))
	}
	field(w, "episodes", fmt.Sprint(meta.Episodes))
	field(w, "samples", fmt.Sprint(meta.Samples))

	if len(rows) == 0 {
		return nil
	}

	costs := make([]float64, len(rows))
	for i, r := range rows {
		costs[i] = r.Cost
	}
	mean, std := stat.MeanStdDev(costs, nil)
	fmt.Fprintln(w)
	fmt.Fprintln(w, cyan.Render("episode cost"))
	field(w, "mean", fmt.Sprintf("%.7f", mean))
	if len(costs) > 1 {
		field(w, "std", fmt.Sprintf("%.7f", std))
	}
	field(w, "min", fmt.Sprintf("%.7f (episode %d)", floats.Min(costs), rows[floats.MinIdx(costs)].Episode))
	field(w, "max", fmt.Sprintf("%.7f", floats.Max(costs)))

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EP\tKP\tKI\tKD\tCOST\tMEAN|CTE|\tMEAN SPEED\tSTATE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%.5f\t%.7f\t%.5f\t%.7f\t%.4f\t%.2f\t%s\n",
			r.Episode, r.Gains.Kp, r.Gains.Ki, r.Gains.Kd, r.Cost, r.MeanAbsCTE, r.MeanSpeed, r.State)
	}
	return tw.Flush()
}

func exportCSV(cmd *cobra.Command, args []string) error {
	st, err := reportStore(cmd)
	if err != nil {
		return err
	}
	return st.ExportCSV(os.Stdout, args[0])
}

func exportJSON(cmd *cobra.Command, args []string) error {
	st, err := reportStore(cmd)
	if err != nil {
		return err
	}
	return st.ExportJSON(os.Stdout, args[0])
}

func listPresets(cmd *cobra.Command, args []string) error {
	names := config.ListPresets()
	sort.Strings(names)
	fmt.Println("presets:")
	for _, name := range names {
		p := config.GetPreset(name)
		fmt.Printf("  %s %s throttle %.2f\n",
			white.Render(fmt.Sprintf("%-14s", name)),
			dim.Render(fmt.Sprintf("kp %.4f ki %.5f kd %.4f", p.Gains.Kp, p.Gains.Ki, p.Gains.Kd)),
			p.Throttle)
	}
	return nil
}
