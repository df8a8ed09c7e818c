// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sc2ts

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
)

type command interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

var handlers = map[string]command{
	"initialise":                &initialiseCmd{},
	"import-alignments":         &importAlignmentsCmd{},
	"import-metadata":           &importMetadataCmd{},
	"extend":                    &extendCmd{},
	"validate":                  &validateCmd{},
	"run-match":                 &runMatchCmd{},
	"run-rematch-recombinants":  &runRematchRecombinantsCmd{},
	"list-dates":                &listDatesCmd{},
	"info-alignments":           &infoAlignmentsCmd{},
	"info-metadata":             &infoMetadataCmd{},
	"info-matches":              &infoMatchesCmd{},
	"export-matrix":             &exportMatrixCmd{},
}

// Main is the CLI entry point: it dispatches to the named subcommand and
// exits with its status.
func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	name := os.Args[1]
	if strings.HasSuffix(name, "version") {
		fmt.Fprintf(os.Stdout, "sc2ts %s\n", version)
		os.Exit(0)
	}
	cmd, ok := handlers[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		usage(os.Stderr)
		os.Exit(2)
	}
	os.Exit(cmd.RunCommand("sc2ts "+name, os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "usage: sc2ts <command> [options] [args]\ncommands: %s\n", strings.Join(names, ", "))
}

// loggingFlags wires the shared -verbose/-log-file options onto a flag
// set; call the returned setup function after parsing.
func loggingFlags(flags *flag.FlagSet) func() error {
	verbose := flags.Int("verbose", 0, "logging verbosity: 1 info, 2 debug")
	logFile := flags.String("log-file", "", "append log output to `file` instead of stderr")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	return func() error {
		switch {
		case *verbose >= 2:
			log.SetLevel(log.DebugLevel)
		case *verbose == 1:
			log.SetLevel(log.InfoLevel)
		default:
			log.SetLevel(log.WarnLevel)
		}
		if *logFile != "" {
			f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				return errors.Wrap(ErrStoreIO, err.Error())
			}
			log.SetOutput(f)
			log.StandardLogger().Formatter = &logrus.TextFormatter{DisableColors: true}
		}
		if *pprof != "" {
			go func() {
				log.Println(http.ListenAndServe(*pprof, nil))
			}()
		}
		return nil
	}
}

func reportErr(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "%s\n", err)
	if errors.Is(err, ErrConfig) {
		return 2
	}
	return 1
}

type initialiseCmd struct{}

func (cmd *initialiseCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	started := time.Now()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	reference := flags.String("reference", "", "reference genome FASTA `file` (required)")
	referenceStrain := flags.String("reference-strain", "Wuhan/Hu-1/2019", "reference strain `name`")
	referenceDate := flags.String("reference-date", "2019-12-26", "reference collection `date`")
	problematic := flags.String("problematic-sites", "", "`file` listing site positions to exclude")
	setupLogging := loggingFlags(flags)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() != 2 || *reference == "" {
		fmt.Fprintf(stderr, "usage: %s -reference ref.fasta [options] <out.ts> <match.db>\n", prog)
		return 2
	}
	if err := setupLogging(); err != nil {
		return reportErr(stderr, err)
	}
	err := func() error {
		seqs, labels, err := ReadFastaFile(*reference)
		if err != nil {
			return err
		}
		if len(labels) == 0 {
			return errors.Wrap(ErrConfig, "reference FASTA is empty")
		}
		opts := InitialTsOptions{ReferenceStrain: *referenceStrain, ReferenceDate: *referenceDate}
		if *problematic != "" {
			opts.ProblematicSites, err = ReadProblematicSites(*problematic)
			if err != nil {
				return err
			}
			log.Infof("Loaded %d problematic sites", len(opts.ProblematicSites))
		}
		ts, err := InitialTs(seqs[labels[0]], opts)
		if err != nil {
			return err
		}
		if err := AddProvenance(ts.Tables(), prog, args, started); err != nil {
			return err
		}
		if err := ts.Tables().DumpFile(flags.Arg(0)); err != nil {
			return err
		}
		log.Infof("New base ARG at %s", flags.Arg(0))
		mdb, err := InitialiseMatchDb(flags.Arg(1))
		if err != nil {
			return err
		}
		return mdb.Close()
	}()
	if err != nil {
		return reportErr(stderr, err)
	}
	return 0
}

type importAlignmentsCmd struct{}

func (cmd *importAlignmentsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	initialise := flags.Bool("initialise", false, "create a new store")
	setupLogging := loggingFlags(flags)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() < 2 {
		fmt.Fprintf(stderr, "usage: %s [options] <store.db> <fasta> [fasta...]\n", prog)
		return 2
	}
	if err := setupLogging(); err != nil {
		return reportErr(stderr, err)
	}
	mode := "rw"
	if *initialise {
		mode = "create"
	}
	err := func() error {
		store, err := OpenAlignmentStore(flags.Arg(0), mode)
		if err != nil {
			return err
		}
		defer store.Close()
		for _, path := range flags.Args()[1:] {
			log.Infof("Reading fasta %s", path)
			seqs, labels, err := ReadFastaFile(path)
			if err != nil {
				return err
			}
			err = store.Append(func(yield func(string, []byte) error) error {
				for _, label := range labels {
					if err := yield(label, seqs[label]); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		return reportErr(stderr, err)
	}
	return 0
}

type importMetadataCmd struct{}

func (cmd *importMetadataCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	sep := flags.String("sep", ",", "CSV field separator")
	setupLogging := loggingFlags(flags)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() != 2 || len(*sep) != 1 {
		fmt.Fprintf(stderr, "usage: %s [options] <metadata.csv> <out.db>\n", prog)
		return 2
	}
	if err := setupLogging(); err != nil {
		return reportErr(stderr, err)
	}
	if err := ImportMetadataCSV(flags.Arg(0), flags.Arg(1), rune((*sep)[0])); err != nil {
		return reportErr(stderr, err)
	}
	return 0
}

type extendCmd struct{}

func (cmd *extendCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	started := time.Now()
	opts := DefaultExtendOptions()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "TOML `file` of extend options")
	flags.IntVar(&opts.NumMismatches, "num-mismatches", opts.NumMismatches, "number of mismatches to accept in favour of recombination")
	flags.Float64Var(&opts.HmmCostThreshold, "hmm-cost-threshold", opts.HmmCostThreshold, "maximum HMM cost for samples to be included unconditionally")
	flags.IntVar(&opts.MinGroupSize, "min-group-size", opts.MinGroupSize, "minimum size of reconsidered sample groups")
	flags.IntVar(&opts.MinRootMutations, "min-root-mutations", opts.MinRootMutations, "minimum shared mutations for reconsidered sample groups")
	flags.IntVar(&opts.MinDifferentDates, "min-different-dates", opts.MinDifferentDates, "minimum distinct dates in reconsidered sample groups")
	flags.Float64Var(&opts.MaxMutationsPerSample, "max-mutations-per-sample", opts.MaxMutationsPerSample, "maximum mean mutations per sample in a retrospective group")
	flags.IntVar(&opts.MaxRecurrentMutations, "max-recurrent-mutations", opts.MaxRecurrentMutations, "maximum recurrent mutations in a retrospective group")
	flags.IntVar(&opts.RetrospectiveWindow, "retrospective-window", opts.RetrospectiveWindow, "days in the past to reconsider potential matches")
	flags.BoolVar(&opts.DeletionsAsMissing, "deletions-as-missing", opts.DeletionsAsMissing, "treat deletions as missing data when matching")
	flags.IntVar(&opts.MaxDailySamples, "max-daily-samples", 0, "maximum samples to match per day (0 = no limit)")
	flags.IntVar(&opts.MaxMissingSites, "max-missing-sites", 0, "maximum missing sites in an accepted sample (0 = no limit)")
	flags.Int64Var(&opts.RandomSeed, "random-seed", opts.RandomSeed, "PRNG seed for subsampling")
	flags.IntVar(&opts.NumThreads, "num-threads", 0, "number of match worker threads")
	force := flags.Bool("force", false, "delete matches newer than the date from the match db (without it, extend fails when any exist)")
	setupLogging := loggingFlags(flags)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() != 6 {
		fmt.Fprintf(stderr, "usage: %s [options] <base.ts> <date> <alignments.db> <metadata.db> <matches.db> <out.ts>\n", prog)
		return 2
	}
	if err := setupLogging(); err != nil {
		return reportErr(stderr, err)
	}
	if *configPath != "" {
		if err := LoadExtendConfig(*configPath, &opts); err != nil {
			return reportErr(stderr, err)
		}
	}
	basePath, date := flags.Arg(0), flags.Arg(1)
	err := func() error {
		base, err := LoadTreeSequence(basePath)
		if err != nil {
			return err
		}
		store, err := OpenAlignmentStore(flags.Arg(2), "r")
		if err != nil {
			return err
		}
		defer store.Close()
		metadata, err := OpenMetadataDb(flags.Arg(3))
		if err != nil {
			return err
		}
		defer metadata.Close()
		matchDb, err := OpenMatchDb(flags.Arg(4))
		if err != nil {
			return err
		}
		defer matchDb.Close()

		newer, err := matchDb.CountNewer(date)
		if err != nil {
			return err
		}
		if newer > 0 {
			if !*force {
				return errors.Wrapf(ErrConfig, "%d matches newer than %s in match db; rerun with -force to remove them", newer, date)
			}
			if err := matchDb.DeleteNewer(date); err != nil {
				return err
			}
		}
		ts, err := Extend(store, metadata, base, date, matchDb, opts)
		if err != nil {
			return err
		}
		if err := AddProvenance(ts.Tables(), prog, args, started); err != nil {
			return err
		}
		if err := ts.Tables().DumpFile(flags.Arg(5)); err != nil {
			return err
		}
		log.Infof("Wrote %s", flags.Arg(5))
		return nil
	}()
	if err != nil {
		return reportErr(stderr, err)
	}
	return 0
}

type validateCmd struct{}

func (cmd *validateCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	deletionsAsMissing := flags.Bool("deletions-as-missing", true, "treat deletions as missing data")
	setupLogging := loggingFlags(flags)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() != 2 {
		fmt.Fprintf(stderr, "usage: %s [options] <alignments.db> <ts>\n", prog)
		return 2
	}
	if err := setupLogging(); err != nil {
		return reportErr(stderr, err)
	}
	err := func() error {
		store, err := OpenAlignmentStore(flags.Arg(0), "r")
		if err != nil {
			return err
		}
		defer store.Close()
		ts, err := LoadTreeSequence(flags.Arg(1))
		if err != nil {
			return err
		}
		return Validate(ts, store, *deletionsAsMissing)
	}()
	if err != nil {
		return reportErr(stderr, err)
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

// hmmRun is the JSON line emitted for each (strain, direction) HMM run.
type hmmRun struct {
	Strain        string          `json:"strain"`
	NumMismatches int             `json:"num_mismatches"`
	Direction     string          `json:"direction"`
	Match         *HmmMatchRecord `json:"match"`
}

type runMatchCmd struct{}

func (cmd *runMatchCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	k := flags.Int("num-mismatches", 3, "num-mismatches")
	direction := flags.String("direction", DirectionForward, "direction to run the HMM in (forward or reverse)")
	numThreads := flags.Int("num-threads", 0, "number of match worker threads")
	setupLogging := loggingFlags(flags)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() < 2 {
		fmt.Fprintf(stderr, "usage: %s [options] <alignments.db> <ts> [strain...]\n", prog)
		return 2
	}
	if *direction != DirectionForward && *direction != DirectionReverse {
		fmt.Fprintf(stderr, "bad -direction %q\n", *direction)
		return 2
	}
	if err := setupLogging(); err != nil {
		return reportErr(stderr, err)
	}
	strains := flags.Args()[2:]
	if len(strains) == 0 {
		return 0
	}
	err := func() error {
		store, err := OpenAlignmentStore(flags.Arg(0), "r")
		if err != nil {
			return err
		}
		defer store.Close()
		ts, err := LoadTreeSequence(flags.Arg(1))
		if err != nil {
			return err
		}
		samples, err := Preprocess(strains, nil, store, ts.SitesPosition(), PreprocessOptions{
			DeletionsAsMissing: true,
			NumWorkers:         *numThreads,
		})
		if err != nil {
			return err
		}
		mu, rho := SolveNumMismatches(*k)
		matches, err := MatchHaplotypes(ts, samples, mu, rho, MatcherOptions{
			MirrorCoordinates: *direction == DirectionReverse,
			NumWorkers:        *numThreads,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		for i, sample := range samples {
			run := hmmRun{Strain: sample.Strain, NumMismatches: *k, Direction: *direction, Match: matches[i].Record()}
			if err := enc.Encode(run); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		return reportErr(stderr, err)
	}
	return 0
}

type runRematchRecombinantsCmd struct{}

func (cmd *runRematchRecombinantsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	k := flags.Int("num-mismatches", 3, "num-mismatches")
	numThreads := flags.Int("num-threads", 0, "number of match worker threads")
	setupLogging := loggingFlags(flags)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() != 2 {
		fmt.Fprintf(stderr, "usage: %s [options] <alignments.db> <ts>\n", prog)
		return 2
	}
	if err := setupLogging(); err != nil {
		return reportErr(stderr, err)
	}
	err := func() error {
		store, err := OpenAlignmentStore(flags.Arg(0), "r")
		if err != nil {
			return err
		}
		defer store.Close()
		ts, err := LoadTreeSequence(flags.Arg(1))
		if err != nil {
			return err
		}
		recombinants := GetRecombinantStrains(ts)
		total := 0
		for _, strains := range recombinants {
			total += len(strains)
		}
		log.Infof("Got %d recombinants and %d strains", len(recombinants), total)
		nodes := make([]int, 0, len(recombinants))
		for u := range recombinants {
			nodes = append(nodes, u)
		}
		sort.Ints(nodes)
		enc := json.NewEncoder(stdout)
		for _, u := range nodes {
			samples, err := Preprocess(recombinants[u], nil, store, ts.SitesPosition(), PreprocessOptions{
				DeletionsAsMissing: true,
				NumWorkers:         *numThreads,
			})
			if err != nil {
				return err
			}
			if err := MatchRecombinants(samples, ts, *k, DefaultLikelihoodThreshold, *numThreads); err != nil {
				return err
			}
			for _, sample := range samples {
				for _, dir := range []string{"forward", "reverse", "no_recombination"} {
					run := hmmRun{Strain: sample.Strain, NumMismatches: *k, Direction: dir, Match: sample.HmmReruns[dir].Record()}
					if err := enc.Encode(run); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}()
	if err != nil {
		return reportErr(stderr, err)
	}
	return 0
}

type listDatesCmd struct{}

func (cmd *listDatesCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	counts := flags.Bool("counts", false, "also print sample counts")
	after := flags.String("after", "1900-01-01", "show dates equal to or after the specified value")
	before := flags.String("before", "3000-01-01", "show dates before the specified value")
	setupLogging := loggingFlags(flags)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() != 1 {
		fmt.Fprintf(stderr, "usage: %s [options] <metadata.db>\n", prog)
		return 2
	}
	if err := setupLogging(); err != nil {
		return reportErr(stderr, err)
	}
	mdb, err := OpenMetadataDb(flags.Arg(0))
	if err != nil {
		return reportErr(stderr, err)
	}
	defer mdb.Close()
	dates, byDate, err := mdb.DateSampleCounts()
	if err != nil {
		return reportErr(stderr, err)
	}
	for _, date := range dates {
		if *after <= date && date < *before {
			if *counts {
				fmt.Fprintf(stdout, "%s\t%d\n", date, byDate[date])
			} else {
				fmt.Fprintln(stdout, date)
			}
		}
	}
	return 0
}

type infoAlignmentsCmd struct{}

func (cmd *infoAlignmentsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return runInfo(prog, args, stdout, stderr, func(path string) (fmt.Stringer, func() error, error) {
		store, err := OpenAlignmentStore(path, "r")
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	})
}

type infoMetadataCmd struct{}

func (cmd *infoMetadataCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return runInfo(prog, args, stdout, stderr, func(path string) (fmt.Stringer, func() error, error) {
		mdb, err := OpenMetadataDb(path)
		if err != nil {
			return nil, nil, err
		}
		return mdb, mdb.Close, nil
	})
}

func runInfo(prog string, args []string, stdout, stderr io.Writer, open func(string) (fmt.Stringer, func() error, error)) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	setupLogging := loggingFlags(flags)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() != 1 {
		fmt.Fprintf(stderr, "usage: %s [options] <path>\n", prog)
		return 2
	}
	if err := setupLogging(); err != nil {
		return reportErr(stderr, err)
	}
	target, closer, err := open(flags.Arg(0))
	if err != nil {
		return reportErr(stderr, err)
	}
	defer closer()
	fmt.Fprintln(stdout, target.String())
	return 0
}

type infoMatchesCmd struct{}

func (cmd *infoMatchesCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	setupLogging := loggingFlags(flags)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() != 1 {
		fmt.Fprintf(stderr, "usage: %s [options] <matches.db>\n", prog)
		return 2
	}
	if err := setupLogging(); err != nil {
		return reportErr(stderr, err)
	}
	mdb, err := OpenMatchDb(flags.Arg(0))
	if err != nil {
		return reportErr(stderr, err)
	}
	defer mdb.Close()
	fmt.Fprintln(stdout, mdb.String())
	last, err := mdb.LastDate()
	if err != nil {
		return reportErr(stderr, err)
	}
	fmt.Fprintf(stdout, "last date = %s\n", last)
	counts, err := mdb.CostCounts()
	if err != nil {
		return reportErr(stderr, err)
	}
	total, err := mdb.Len()
	if err != nil {
		return reportErr(stderr, err)
	}
	costs := make([]int, 0, len(counts))
	for cost := range counts {
		costs = append(costs, cost)
	}
	sort.Ints(costs)
	fmt.Fprintln(stdout, "cost\tpercent\tcount")
	for _, cost := range costs {
		percent := float64(counts[cost]) / float64(total) * 100
		fmt.Fprintf(stdout, "%d\t%.1f\t%d\n", cost, percent, counts[cost])
	}
	return 0
}

type exportMatrixCmd struct{}

func (cmd *exportMatrixCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	setupLogging := loggingFlags(flags)
	if err := flags.Parse(args); err == flag.ErrHelp {
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() != 2 {
		fmt.Fprintf(stderr, "usage: %s [options] <ts> <out.npy>\n", prog)
		return 2
	}
	if err := setupLogging(); err != nil {
		return reportErr(stderr, err)
	}
	ts, err := LoadTreeSequence(flags.Arg(0))
	if err != nil {
		return reportErr(stderr, err)
	}
	if err := ExportGenotypeMatrix(ts, flags.Arg(1)); err != nil {
		return reportErr(stderr, err)
	}
	return 0
}
