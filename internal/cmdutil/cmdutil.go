// Package cmdutil holds the small pieces of entry-point plumbing shared by
// the demo binaries: a non-standard error-returning Cobra entry point
// adapter, a warning printer that also writes in color to standard error,
// and error/fatal helpers that log through logrus.
package cmdutil

import (
	"io/ioutil"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var entryLog = logrus.WithField("component", "cmdutil")

func init() {
	// Silence the standard logger; every component in this module logs
	// through logrus instead.
	log.SetOutput(ioutil.Discard)
}

// Mainify wraps a Cobra entry point that returns an error so that deferred
// cleanup in entry still runs before the process exits on failure.
func Mainify(entry func(*cobra.Command, []string) error) func(*cobra.Command, []string) {
	return func(command *cobra.Command, arguments []string) {
		if err := entry(command, arguments); err != nil {
			Fatal(err)
		}
	}
}

// Warning logs a warning, additionally printing it in color to standard
// error for an interactive operator.
func Warning(message string) {
	entryLog.Warn(message)
	color.New(color.FgYellow).Fprintln(color.Error, "Warning:", message)
}

// Error logs err at error level.
func Error(err error) {
	entryLog.WithError(err).Error("command failed")
}

// Fatal logs err at error level and terminates the process with an error
// exit code.
func Fatal(err error) {
	Error(err)
	os.Exit(1)
}
