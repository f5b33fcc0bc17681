// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestPool(t *testing.T) {
	pool := NewPool[any](4)
	defer pool.Release()

	taskNum := pool.Cap() * 2
	futures := make([]*Future[any], 0, taskNum)
	for i := 0; i < taskNum; i++ {
		res := i
		future := pool.Submit(func() (any, error) {
			time.Sleep(500 * time.Microsecond)
			return res, nil
		})
		futures = append(futures, future)
	}

	assert.NoError(t, AwaitAll(futures...))
	for i, future := range futures {
		res, err := future.Await()
		assert.NoError(t, err)
		assert.Equal(t, err, future.Err())
		assert.True(t, future.OK())
		assert.Equal(t, res, future.Value())
		assert.Equal(t, i, res.(int))
	}
}

func TestPoolWithPanic(t *testing.T) {
	pool := NewPool[any](1, WithConcealPanic(true))
	defer pool.Release()

	future := pool.Submit(func() (any, error) {
		panic("mocked panic")
	})

	assert.Error(t, future.Err())
}

func TestGo(t *testing.T) {
	future := Go(func() (int, error) {
		return 0, errors.New("dial failed")
	})
	<-future.Inner()
	assert.False(t, future.OK())

	ok := Go(func() (string, error) { return "ok", nil })
	assert.Equal(t, "ok", ok.Value())
}
