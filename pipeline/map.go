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

package pipeline

import (
	"context"

	"github.com/grailbio/base/traverse"
)

// Map calls fn on every task, at most parallelism at a time, and returns the
// results in task order once every call has returned.  Tasks not yet started
// are skipped after the first error or after ctx is done, and that error is
// returned.
func Map[T, R any](ctx context.Context, parallelism int, tasks []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	if parallelism <= 0 {
		parallelism = 1
	}
	results := make([]R, len(tasks))
	err := traverse.Limit(parallelism).Each(len(tasks), func(i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := fn(ctx, tasks[i])
		if err != nil {
			return err
		}
		results[i] = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
