package testutils

import (
	"go.uber.org/goleak"
)

// VerifyTestMain runs the tests of a package and fails if goroutines outlive them. Decode
// workers, load goroutines and the requesters they use must all be stopped by Close.
func VerifyTestMain(m goleak.TestingM) {
	goleak.VerifyTestMain(m,
		// idle keep-alive connections of the default HTTP client
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}
