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
bio-diffexp runs differential-expression tests over single-cell expression
data and extracts marker genes from the results.

Input is a long-format count table (cell, gene, count) plus a per-cell
annotation table, or a cache written by "bio-diffexp cache". Results are
written as a recordio file that "markers" and "checksum" read back, and as one
TSV per comparison.
*/

import (
	"github.com/grailbio/base/grail"
	"github.com/grailbio/diffexp/cmd/bio-diffexp/cmd"
)

func main() {
	shutdown := grail.Init()
	defer shutdown()
	cmd.Run()
}
