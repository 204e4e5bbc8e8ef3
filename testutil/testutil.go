// Package testutil provides helpers shared by tests across lnbank, most
// importantly bootstrapping a Postgres test database per package.
package testutil

import (
	"os"
	"strconv"
	"testing"

	"gitlab.com/arcanecrypto/lnbank/build"
)

var log = build.AddSubLogger("TEST")

// GetEnvOrElse returns the given environment variable, or the fallback if
// it isn't set
func GetEnvOrElse(env, fallback string) string {
	if value := os.Getenv(env); value != "" {
		return value
	}
	return fallback
}

// GetEnvAsIntOrElse parses the given environment variable as an int,
// returning the fallback if it is unset or invalid
func GetEnvAsIntOrElse(env string, fallback int) int {
	value := os.Getenv(env)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.WithError(err).Warnf("%s is not a valid int, using %d", env, fallback)
		return fallback
	}
	return parsed
}

// SkipIfCI skips the given test if we're running on CI
func SkipIfCI(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("Skipping test on CI")
	}
}
