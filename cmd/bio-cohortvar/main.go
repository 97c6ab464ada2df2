// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

/*
bio-cohortvar classifies the candidate variants of a cohort against one
control sample.  It runs in two phases: "characterize" fits per-sample depth,
strand-bias and repeat indel models from the alignments, and "call-variants"
screens each candidate call with those models and decides whether it differs
from the control.  "run-pipeline" runs both, and "index-reference" prepares
the reference index and repeat catalog they need.
*/

import (
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"v.io/x/lib/cmdline"
)

func main() {
	shutdown := grail.Init()
	cmdline.HideGlobalFlagsExcept()
	env := cmdline.EnvFromOS()
	err := cmdline.ParseAndRun(newCmdRoot(), env, os.Args[1:])
	log.Debug.Printf("exiting")
	shutdown()
	os.Exit(cmdline.ExitCode(err, env.Stderr))
}

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bio-cohortvar",
		Short:    "Classify cohort variant calls against a control sample",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdIndexReference(),
			newCmdCharacterize(),
			newCmdCallVariants(),
			newCmdRunPipeline(),
		},
	}
}
