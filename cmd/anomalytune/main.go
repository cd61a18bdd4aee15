// Command anomalytune fits anomaly detectors on tabular or packet data and
// scores samples against them.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
