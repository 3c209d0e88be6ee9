package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mbeckett/survstat/internal/analysis"
	"github.com/mbeckett/survstat/internal/config"
	"github.com/mbeckett/survstat/internal/dataset"
	"github.com/mbeckett/survstat/internal/simulate"
	"github.com/mbeckett/survstat/internal/store"
	"github.com/mbeckett/survstat/internal/survival/cox"
	"github.com/mbeckett/survstat/internal/survival/km"
	"github.com/mbeckett/survstat/internal/survival/logrank"
	"github.com/mbeckett/survstat/internal/survival/schoenfeld"
)

var (
	dataDir    string
	configFile string
	ties       string
	epsilon    float64
	maxIter    int
	truncation bool
	verbose    bool

	// simulate flags
	simControl    int
	simTreatment  int
	simStrata     int
	simHazard     float64
	simHR         float64
	simChangeTime float64
	simLateHR     float64
	simHorizon    float64
	simMaxDelay   float64
	simSeed       int64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "survstat",
		Short: "stratified two-arm survival analysis",
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".survstat", "data directory")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	analyzeCmd := &cobra.Command{
		Use:   "analyze [input.csv]",
		Short: "run the full pipeline under both regimes",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}
	kmCmd := &cobra.Command{
		Use:   "km [input.csv]",
		Short: "kaplan-meier survival tables",
		Args:  cobra.ExactArgs(1),
		RunE:  runKM,
	}
	logrankCmd := &cobra.Command{
		Use:   "logrank [input.csv]",
		Short: "stratified log-rank test",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogRank,
	}
	coxCmd := &cobra.Command{
		Use:   "cox [input.csv]",
		Short: "stratified cox proportional-hazards fit",
		Args:  cobra.ExactArgs(1),
		RunE:  runCox,
	}
	phtestCmd := &cobra.Command{
		Use:   "phtest [input.csv]",
		Short: "schoenfeld proportional-hazards diagnostic",
		Args:  cobra.ExactArgs(1),
		RunE:  runPHTest,
	}
	for _, c := range []*cobra.Command{analyzeCmd, coxCmd, phtestCmd} {
		c.Flags().StringVar(&ties, "ties", "efron", "tie handling: efron or breslow")
		c.Flags().Float64Var(&epsilon, "eps", config.DefaultEpsilon, "convergence epsilon")
		c.Flags().IntVar(&maxIter, "max-iter", config.DefaultMaxIterations, "newton-raphson iteration cap")
	}
	for _, c := range []*cobra.Command{kmCmd, logrankCmd, coxCmd, phtestCmd} {
		c.Flags().BoolVar(&truncation, "truncation", false, "time from symptom onset with delayed entry")
	}

	simulateCmd := &cobra.Command{
		Use:   "simulate [output.csv]",
		Short: "generate a synthetic trial",
		Args:  cobra.ExactArgs(1),
		RunE:  runSimulate,
	}
	simulateCmd.Flags().IntVar(&simControl, "control", 67, "control arm size")
	simulateCmd.Flags().IntVar(&simTreatment, "treatment", 66, "treatment arm size")
	simulateCmd.Flags().IntVar(&simStrata, "strata", 4, "number of strata")
	simulateCmd.Flags().Float64Var(&simHazard, "hazard", 0.04, "baseline hazard per day")
	simulateCmd.Flags().Float64Var(&simHR, "hr", 1.0, "treatment hazard ratio")
	simulateCmd.Flags().Float64Var(&simChangeTime, "change-time", 0, "day at which the hazard ratio changes (0 = constant)")
	simulateCmd.Flags().Float64Var(&simLateHR, "late-hr", 0, "hazard ratio after change-time")
	simulateCmd.Flags().Float64Var(&simHorizon, "horizon", 60, "censoring horizon in days")
	simulateCmd.Flags().Float64Var(&simMaxDelay, "max-delay", 7, "maximum entry delay in days")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", time.Now().UnixNano(), "random seed")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list stored analysis runs",
		RunE:  listRuns,
	}

	rootCmd.AddCommand(analyzeCmd, kmCmd, logrankCmd, coxCmd, phtestCmd, simulateCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return nil, err
		}
	}
	if ties != "" {
		cfg.Ties = ties
	}
	if epsilon > 0 {
		cfg.Epsilon = epsilon
	}
	if maxIter > 0 {
		cfg.MaxIterations = maxIter
	}
	return cfg, nil
}

// readRows parses the pre-coded trial extract:
// subject_id,group,stratum,entry_delay,follow_time,event
func readRows(path string) ([]analysis.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 6 {
		return nil, fmt.Errorf("expected 6 columns, got %d", len(header))
	}

	var rows []analysis.Row
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		grp, err := strconv.Atoi(rec[1])
		if err != nil || (grp != 0 && grp != 1) {
			return nil, fmt.Errorf("line %d: group must be 0 or 1", line)
		}
		delay, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: entry_delay: %w", line, err)
		}
		follow, err := strconv.ParseFloat(rec[4], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: follow_time: %w", line, err)
		}
		event, err := strconv.Atoi(rec[5])
		if err != nil || (event != 0 && event != 1) {
			return nil, fmt.Errorf("line %d: event must be 0 or 1", line)
		}

		rows = append(rows, analysis.Row{
			ID:         rec[0],
			Group:      dataset.Group(grp),
			Stratum:    rec[2],
			EntryDelay: delay,
			FollowTime: follow,
			Event:      event == 1,
		})
	}
	return rows, nil
}

func buildDataset(path string) (*dataset.Dataset, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	regime := analysis.RegimePrimary
	if truncation {
		regime = analysis.RegimeSecondary
	}
	return analysis.BuildDataset(rows, regime, dataset.DefaultOptions())
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rows, err := readRows(args[0])
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	res, err := analysis.New(cfg, logger).Run(context.Background(), rows)
	if err != nil {
		return err
	}

	for _, rr := range []*analysis.RegimeResult{res.Primary, res.Secondary} {
		fmt.Printf("\n=== %s analysis ===\n", rr.Regime)
		printLogRank(rr.LogRank)
		printCox(rr.Cox, rr.CoxSummary)
		printPH(rr.PH)
	}

	st := store.New(dataDir)
	if err := st.Init(); err != nil {
		return err
	}
	runID, err := st.Save(res)
	if err != nil {
		return err
	}
	fmt.Printf("\nsaved as %s\n", runID)
	return nil
}

func runKM(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ds, err := buildDataset(args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "group\ttime\tn_at_risk\tn_events\tsurvival\tci_lower\tci_upper")
	for _, grp := range []dataset.Group{dataset.Control, dataset.Treatment} {
		for _, p := range km.New(ds.Subset(grp), cfg.ConfidenceLevel).Curve() {
			fmt.Fprintf(w, "%s\t%.1f\t%d\t%d\t%.4f\t%.4f\t%.4f\n",
				grp, p.Time, p.NAtRisk, p.NEvents, p.Survival, p.CILower, p.CIUpper)
		}
	}
	return w.Flush()
}

func runLogRank(cmd *cobra.Command, args []string) error {
	ds, err := buildDataset(args[0])
	if err != nil {
		return err
	}
	res, err := logrank.Test(ds)
	if err != nil {
		return err
	}
	printLogRank(res)
	return nil
}

func runCox(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ds, err := buildDataset(args[0])
	if err != nil {
		return err
	}
	fitCfg, err := cfg.FitConfig()
	if err != nil {
		return err
	}
	fit, err := cox.Fit(ds, fitCfg)
	if err != nil {
		return err
	}
	printCox(fit, fit.Summary(cfg.ConfidenceLevel))
	return nil
}

func runPHTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ds, err := buildDataset(args[0])
	if err != nil {
		return err
	}
	fitCfg, err := cfg.FitConfig()
	if err != nil {
		return err
	}
	fit, err := cox.Fit(ds, fitCfg)
	if err != nil {
		return err
	}
	ph, err := schoenfeld.Compute(ds, fit)
	if err != nil {
		return err
	}
	printPH(ph)
	return nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg := simulate.Config{
		NControl:        simControl,
		NTreatment:      simTreatment,
		BaselineHazard:  simHazard,
		HazardRatio:     simHR,
		ChangeTime:      simChangeTime,
		LateHazardRatio: simLateHR,
		CensorHorizon:   simHorizon,
		MaxEntryDelay:   simMaxDelay,
		Seed:            simSeed,
	}
	for i := 0; i < simStrata; i++ {
		cfg.Strata = append(cfg.Strata, fmt.Sprintf("s%d", i+1))
	}

	rows := simulate.Trial(cfg)

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"subject_id", "group", "stratum", "entry_delay", "follow_time", "event"}); err != nil {
		return err
	}
	for _, row := range rows {
		event := "0"
		if row.Event {
			event = "1"
		}
		rec := []string{
			row.ID,
			strconv.Itoa(int(row.Group)),
			row.Stratum,
			strconv.FormatFloat(row.EntryDelay, 'f', 4, 64),
			strconv.FormatFloat(row.FollowTime, 'f', 4, 64),
			event,
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	fmt.Printf("wrote %d subjects to %s\n", len(rows), args[0])
	return w.Error()
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := store.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "id\ttimestamp\tties\tregimes")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.ID, r.Timestamp.Format(time.RFC3339), r.Ties, len(r.Regimes))
	}
	return w.Flush()
}

func printLogRank(res *logrank.Result) {
	fmt.Printf("log-rank: chi2=%.4f df=%d p=%.4g (events=%d)\n",
		res.ChiSquare, res.DF, res.PValue, res.Events)
}

func printCox(fit *cox.Result, summary []cox.CoefSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "covariate\tcoef\tse\thr\tci_lower\tci_upper\twald_p")
	for _, c := range summary {
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.4g\n",
			c.Name, c.Coef, c.SE, c.HazardRatio, c.CILower, c.CIUpper, c.WaldP)
	}
	w.Flush()
	fmt.Printf("loglik=%.4f iterations=%d converged=%v score=%.4f (df=%d, p=%.4g) ties=%s\n",
		fit.FinalLogLik(), fit.Iterations, fit.Converged,
		fit.ScoreStat, fit.ScoreDF, fit.ScoreP, fit.Ties)
}

func printPH(t *schoenfeld.Test) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "covariate\tchi2\tdf\tp")
	for _, row := range t.Rows {
		fmt.Fprintf(w, "%s\t%.4f\t%d\t%.4g\n", row.Name, row.ChiSquare, row.DF, row.PValue)
	}
	fmt.Fprintf(w, "%s\t%.4f\t%d\t%.4g\n", t.Global.Name, t.Global.ChiSquare, t.Global.DF, t.Global.PValue)
	w.Flush()
}
