package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hed1ad/anomalytune/pkg/detectors/catalog"
	"github.com/hed1ad/anomalytune/pkg/io/report"
)

func newFitCmd(a *app) *cobra.Command {
	var trainPath, modelPath string

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit an estimator and save it",
		Example: `  anomalytune fit --train data.csv --estimator aklpe --k 6 --contamination 0.05 --model out.gob
  anomalytune fit --train capture.pcap --input-format pcap --estimator iforest --model forest.gob`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.readData(trainPath)
			if err != nil {
				return err
			}

			est, err := catalog.New(a.cfg.Estimator.Params(a.logger))
			if err != nil {
				return err
			}
			if err := est.Fit(data); err != nil {
				return fmt.Errorf("fit %s: %w", est.Name(), err)
			}

			blob, err := catalog.Save(est)
			if err != nil {
				if errors.Is(err, catalog.ErrNotPersistent) {
					return fmt.Errorf("%w: %s models cannot be saved", err, est.Name())
				}
				return err
			}
			if err := os.WriteFile(modelPath, blob, 0o644); err != nil {
				return fmt.Errorf("write model: %w", err)
			}

			a.logger.Infow("Model saved",
				"estimator", est.Name(),
				"samples", len(data),
				"path", modelPath,
				"bytes", len(blob))

			return report.WriteSummary(cmd.OutOrStdout(), report.Format(a.cfg.Output.Format), report.Summary{
				Estimator: est.Name(),
				Samples:   len(data),
				Threshold: threshold(est),
			})
		},
	}

	cmd.Flags().StringVar(&trainPath, "train", "", "training data file")
	cmd.Flags().StringVar(&modelPath, "model", "", "output model file")
	_ = cmd.MarkFlagRequired("train")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}
