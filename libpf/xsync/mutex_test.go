// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/spu-profiler/libpf/xsync"
)

type counters struct {
	a, b int
}

func TestMutexCounters(t *testing.T) {
	mtx := xsync.NewMutex(counters{})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				c := mtx.Lock()
				c.a++
				c.b += 2
				mtx.Unlock(&c)
			}
		}()
	}
	wg.Wait()

	c := mtx.Lock()
	defer mtx.Unlock(&c)
	assert.Equal(t, 16000, c.a)
	assert.Equal(t, 32000, c.b)
}

func TestMutexUnlockInvalidates(t *testing.T) {
	mtx := xsync.NewMutex(42)
	v := mtx.Lock()
	require.Equal(t, 42, *v)
	mtx.Unlock(&v)
	assert.Nil(t, v)
}
