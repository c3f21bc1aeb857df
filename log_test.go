// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package appmesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWriteAndGetRecords(t *testing.T) {
	l := NewLog()
	n, err := l.Write([]byte("hello\nworld"))
	require.NoError(t, err)
	assert.Equal(t, len("hello\nworld"), n)

	recs, id := l.GetRecords(0)
	require.Len(t, recs, 2)
	assert.Equal(t, "hello", recs[0].Text)
	assert.Equal(t, "world", recs[1].Text)
	assert.NotZero(t, id)
}

func TestLogGetRecordsUnchangedReturnsNil(t *testing.T) {
	l := NewLog()
	l.Write([]byte("one"))
	_, id := l.GetRecords(0)

	recs, sameID := l.GetRecords(id)
	assert.Nil(t, recs)
	assert.Equal(t, id, sameID)
}

func TestLogWrapsAtMaxRecords(t *testing.T) {
	l := NewLog()
	l.maxRecords = 3
	l.records = make([]LogRecord, 3)
	baseID := l.id

	for i := 0; i < 5; i++ {
		l.Write([]byte("line"))
	}
	recs, _ := l.GetRecords(0)
	assert.Len(t, recs, 3)
	assert.Equal(t, baseID+3, recs[0].Id)
	assert.Equal(t, baseID+5, recs[2].Id)
}

func TestLogClearResetsRecords(t *testing.T) {
	l := NewLog()
	l.Write([]byte("before"))
	l.Clear()

	recs, _ := l.GetRecords(0)
	assert.Empty(t, recs)
}

func TestLogWatchWakesOnWrite(t *testing.T) {
	l := NewLog()
	_, id := l.GetRecords(0)

	done := make(chan int64, 1)
	go func() {
		done <- l.Watch(id, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	l.Write([]byte("woke it up"))

	select {
	case newID := <-done:
		assert.NotEqual(t, id, newID)
	case <-time.After(time.Second):
		t.Fatal("Watch never woke up after a write")
	}
}

func TestLogWatchExpiresWithoutWrite(t *testing.T) {
	l := NewLog()
	_, id := l.GetRecords(0)

	returned := l.Watch(id, 20*time.Millisecond)
	assert.Equal(t, id, returned)
}
