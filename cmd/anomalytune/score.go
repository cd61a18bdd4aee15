package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/anomalytune/pkg/detectors"
	"github.com/hed1ad/anomalytune/pkg/detectors/catalog"
	anomio "github.com/hed1ad/anomalytune/pkg/io"
	"github.com/hed1ad/anomalytune/pkg/io/report"
)

type scoreOptions struct {
	trainPath string
	testPath  string
	modelPath string
	stream    bool
}

func newScoreCmd(a *app) *cobra.Command {
	var opts scoreOptions

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score samples and print one result per sample",
		Long: `score fits an estimator on --train, or loads one saved with fit via
--model, and scores --test (or the training data when --test is omitted).

Without --novelty, KLPE estimators can only score the data they were fitted
on.`,
		Example: `  anomalytune score --train data.csv --format yaml
  anomalytune score --train data.csv --test new.csv --novelty
  anomalytune score --model out.gob --test new.csv --stream`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.score(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.trainPath, "train", "", "training data file")
	flags.StringVar(&opts.testPath, "test", "", "data to score (defaults to --train)")
	flags.StringVar(&opts.modelPath, "model", "", "model saved by fit")
	flags.BoolVar(&opts.stream, "stream", false, "score --test incrementally (novelty KLPE only)")
	flags.String("format", "", "output format: json or yaml")
	flags.Bool("features", false, "include input features in the output")
	flags.Bool("summary", false, "print a summary record after the results")

	bindFlags(a.v, flags, map[string]string{
		"format":   "output.format",
		"features": "output.features",
		"summary":  "output.summary",
	})

	return cmd
}

func (a *app) score(cmd *cobra.Command, opts scoreOptions) error {
	est, err := a.estimator(opts)
	if err != nil {
		return err
	}

	target := opts.testPath
	if target == "" {
		target = opts.trainPath
	}
	if target == "" {
		return errors.New("nothing to score: give --test or --train")
	}

	w, err := report.NewWriter(cmd.OutOrStdout(), report.Format(a.cfg.Output.Format))
	if err != nil {
		return err
	}
	defer w.Close()

	var results []anomio.Result
	if opts.stream {
		results, err = a.scoreStream(cmd.Context(), est, target, w)
	} else {
		results, err = a.scoreBatch(est, target, w)
	}
	if err != nil {
		return err
	}

	a.logger.Infow("Scoring complete", "estimator", est.Name(), "samples", len(results))

	if a.cfg.Output.Summary {
		if err := w.WriteSummary(report.Summarize(est.Name(), threshold(est), results)); err != nil {
			return err
		}
	}
	return w.Close()
}

// estimator loads the model at opts.modelPath or fits a fresh one on
// opts.trainPath.
func (a *app) estimator(opts scoreOptions) (detectors.Estimator, error) {
	params := a.cfg.Estimator.Params(a.logger)

	if opts.modelPath != "" {
		blob, err := os.ReadFile(opts.modelPath)
		if err != nil {
			return nil, fmt.Errorf("read model: %w", err)
		}
		est, err := catalog.Load(blob, params)
		if err != nil {
			return nil, fmt.Errorf("load model %s: %w", opts.modelPath, err)
		}
		a.logger.Debugw("Model loaded", "estimator", est.Name(), "path", opts.modelPath)
		return est, nil
	}

	if opts.trainPath == "" {
		return nil, errors.New("give --train to fit or --model to load")
	}

	data, err := a.readData(opts.trainPath)
	if err != nil {
		return nil, err
	}
	est, err := catalog.New(params)
	if err != nil {
		return nil, err
	}
	if err := est.Fit(data); err != nil {
		return nil, fmt.Errorf("fit %s: %w", est.Name(), err)
	}
	return est, nil
}

func (a *app) scoreBatch(est detectors.Estimator, path string, w anomio.Writer) ([]anomio.Result, error) {
	data, err := a.readData(path)
	if err != nil {
		return nil, err
	}

	scores, err := est.ScoreSamples(data)
	if err != nil {
		return nil, fmt.Errorf("score %s: %w", path, err)
	}
	labels, err := est.Predict(data)
	if err != nil {
		return nil, fmt.Errorf("predict %s: %w", path, err)
	}

	var features [][]float64
	if a.cfg.Output.Features {
		features = data
	}
	results := anomio.NewResults(scores, labels, features)
	return results, w.WriteAll(results)
}

// scoreStream pipes the reader's stream through PredictStream and writes
// each result as it arrives. A read error that cut the stream short fails
// the command even though the rows before it were written.
func (a *app) scoreStream(ctx context.Context, est detectors.Estimator, path string, w anomio.Writer) ([]anomio.Result, error) {
	streamer, ok := est.(detectors.StreamEstimator)
	if !ok {
		return nil, fmt.Errorf("%s does not support --stream", est.Name())
	}

	r, err := a.openReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	g, ctx := errgroup.WithContext(ctx)
	input, err := r.Stream(ctx)
	if err != nil {
		return nil, err
	}
	output := make(chan detectors.Score, 100)

	g.Go(func() error {
		defer close(output)
		return streamer.PredictStream(ctx, input, output)
	})

	var results []anomio.Result
	g.Go(func() error {
		for s := range output {
			index := len(results)
			if i, ok := s.Metadata["index"].(int); ok {
				index = i
			}
			res := anomio.Result{
				Index:     index,
				Score:     s.Value,
				Label:     detectors.Normal,
				IsAnomaly: s.IsAnomaly,
				Metadata:  s.Metadata,
			}
			if s.IsAnomaly {
				res.Label = detectors.Anomalous
			}
			if a.cfg.Output.Features {
				res.Features = s.Features
			}
			if err := w.Write(res); err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("stream %s: %w", path, err)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return results, nil
}
