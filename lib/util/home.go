package util

import (
	"os"
)

// UserHome returns the home directory of the current user. It falls back to
// $HOME, then %USERPROFILE%, then the working directory, so the daemon can
// start in containers without a passwd entry.
func UserHome() string {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return homeDir
	}
	if home := os.Getenv("HOME"); home != "" {
		log.WithError(err).Warn("os.UserHomeDir failed, falling back to $HOME")
		return home
	}
	if home := os.Getenv("USERPROFILE"); home != "" {
		log.WithError(err).Warn("os.UserHomeDir failed, falling back to USERPROFILE")
		return home
	}
	if wd, wdErr := os.Getwd(); wdErr == nil {
		log.WithError(err).Warn("no home directory, using the working directory")
		return wd
	}
	panic("go-dtn: unable to determine home directory; set $HOME")
}
