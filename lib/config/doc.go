// Package config loads and validates the daemon configuration.
//
// The configuration is read with viper from $HOME/.go-dtn/config.yaml, or
// from the file given on the command line. A missing default file is created
// from Defaults so it can be edited in place.
//
// DaemonConfig values are snapshots. The running daemon holds them in a
// Holder: a reload stages a validated snapshot and the daemon commits it
// between two processing rounds, so no component ever sees a half applied
// configuration.
package config
