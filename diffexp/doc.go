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

// Package diffexp runs differential-expression tests over annotated
// single-cell expression collections.
//
// VsRest compares every group of a label column against all remaining
// groups; PairWise compares every ordered pair of groups. Both delegate the
// per-gene statistics to a wald.Engine and record their results in the
// collection's metadata store. GetMarker filters recorded results into
// marker-gene tables.
//
// PairWise runs each unordered pair once. The result of the mirrored
// comparison reuses the same table with the fold change negated; q-values,
// means and coefficients are carried over unchanged. This treats the engine
// as symmetric under swapping the two classes, which holds for the fold
// change but is only approximately true for the other columns.
package diffexp
