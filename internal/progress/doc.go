// Package progress provides live progress reporting for pipeline runs.
//
// The reporter polls the pipeline's stats snapshot on an interval and writes
// a human-readable status line, ending with a final summary when stopped.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Stats:  dl.Stats,
//	    Output: os.Stderr,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
// # Output Format
//
//	[swath] Activating: 37 | Pending: 4 | Downloading: 2 | Complete: 118 | Downloaded: 1.2 GB
package progress
