// Package exitcodes defines the standard exit codes used by the
// coordinator CLI.
//
// * Success (0): the requested work finished and all tests passed
// * TestFailure (1): the run completed but one or more test cases failed
// * RuntimeErr (2): the machinery itself failed (configuration errors,
//   editor crashes, compilation errors, panics)
package exitcodes

const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
