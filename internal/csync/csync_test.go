// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package csync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapBasicOperations(t *testing.T) {
	m := NewMap[string, int]()
	assert.Equal(t, 0, m.Len())

	_, ok := m.Get("a")
	assert.False(t, ok)

	m.Set("a", 1)
	m.Set("b", 2)
	assert.Equal(t, 2, m.Len())

	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	m.Set("a", 10)
	v, _ = m.Get("a")
	assert.Equal(t, 10, v)

	m.Delete("a")
	_, ok = m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())

	// Deleting a missing key is a no-op.
	m.Delete("missing")
	assert.Equal(t, 1, m.Len())
}

func TestMapGetOrSet(t *testing.T) {
	m := NewMap[string, int]()

	v, existed := m.GetOrSet("a", 1)
	assert.False(t, existed)
	assert.Equal(t, 1, v)

	// Second call keeps the stored value and reports it was there.
	v, existed = m.GetOrSet("a", 99)
	assert.True(t, existed)
	assert.Equal(t, 1, v)

	assert.Equal(t, 1, m.Len())
}

func TestMapSeq2(t *testing.T) {
	m := NewMap[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)

	got := map[string]int{}
	for k, v := range m.Seq2() {
		got[k] = v
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 2, "c": 3}, got)

	// Early break stops the iteration.
	count := 0
	for range m.Seq2() {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestMapClear(t *testing.T) {
	m := NewMap[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)

	m.Clear()
	assert.Equal(t, 0, m.Len())
	_, ok := m.Get("a")
	assert.False(t, ok)

	// Usable after clearing.
	m.Set("c", 3)
	assert.Equal(t, 1, m.Len())
}

func TestMapConcurrentAccess(t *testing.T) {
	m := NewMap[int, int]()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Set(i, i*2)
			m.Get(i)
			m.GetOrSet(i, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, m.Len())
	for i := range 50 {
		v, ok := m.Get(i)
		assert.True(t, ok)
		assert.Equal(t, i*2, v)
	}
}
