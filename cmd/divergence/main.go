// Command divergence annotates the traces of a hardware model with the values
// of its shadow signals.
//
// Single traces are annotated from local files:
//
//	divergence or  TRACE MAPPING OUT
//	divergence and PREV TRACE MAPPING OUT
//
// Whole sessions of clips stored in a bucket are annotated with run, and serve
// annotates clips as they are announced on a pubsub subscription:
//
//	divergence run --bucket file:///data --prefix rocket --clips 3 --shadow-policy 0,1,1 --mapping with_shadows.btor2
//	divergence serve --bucket file:///data --mapping with_shadows.btor2 --subscription mem://clips
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
