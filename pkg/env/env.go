// Package env keeps names of environment variables with special significance
// to lsptap.
package env

// Environment variables with special significance to lsptap.
//
// Note that some of these env vars may be significant only in special
// circumstances, such as when running unit tests.
const (
	HOME            = "HOME"
	XDG_CONFIG_HOME = "XDG_CONFIG_HOME"

	// Overrides the default config file location.
	LSPTAP_CONFIG = "LSPTAP_CONFIG"
	// Overrides the server path from the config file.
	LSPTAP_SERVER = "LSPTAP_SERVER"
	// Overrides the audit log path from the config file.
	LSPTAP_AUDIT = "LSPTAP_AUDIT"

	LSPTAP_TEST_TIME_SCALE = "LSPTAP_TEST_TIME_SCALE"
	// When set in a test binary, TestMain runs the test language server
	// instead of the tests.
	LSPTAP_TEST_SERVER = "LSPTAP_TEST_SERVER"
)
