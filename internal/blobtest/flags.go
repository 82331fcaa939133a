package blobtest

import (
	"flag"
	"os"
	"os/signal"
)

// Inspect can be set to keep the directory of a file-backed bucket after the
// test fails. The annotated traces and the journal can then be read to
// understand the state of the session after a failure.
var Inspect = flag.Bool("blobtest.inspect", false, "keep test bucket directory for inspection after a failed test completes")

// waitForInspection blocks until the user signals that they are done inspecting
// the bucket by sending a SIGINT (Ctrl+C).
func waitForInspection() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	<-c
}
