// Command canary-tuner scores canary releases and tunes their rollout steps.
// All behavior lives in the Cobra commands under cmd/.
package main

import "github.com/canary-tuner/canary-tuner/cmd"

func main() {
	cmd.Execute()
}
