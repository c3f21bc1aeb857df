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
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiLoggerFansOutToAllLoggers(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	l1 := log.New(&buf1, "", 0)
	l2 := log.New(&buf2, "", 0)

	m := NewMultiLogger()
	m.AddLogger(l1)
	m.AddLogger(l2)

	m.Logger().Print("hello")

	assert.Equal(t, "hello\n", buf1.String())
	assert.Equal(t, "hello\n", buf2.String())
}

func TestMultiLoggerSplitsMultipleLines(t *testing.T) {
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	m := NewMultiLogger()
	m.AddLogger(l)

	m.Write([]byte("one\ntwo\nthree"))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestMultiLoggerAddLoggerIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	m := NewMultiLogger()
	m.AddLogger(l)
	m.AddLogger(l)

	m.Logger().Print("once")
	assert.Equal(t, "once\n", buf.String())
}

func TestMultiLoggerDelLoggerStopsFanout(t *testing.T) {
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	m := NewMultiLogger()
	m.AddLogger(l)
	m.DelLogger(l)

	m.Logger().Print("should not appear")
	assert.Empty(t, buf.String())
}

func TestMultiLoggerSetPrefixAppliesToAll(t *testing.T) {
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	m := NewMultiLogger()
	m.AddLogger(l)
	m.SetPrefix("app: ")

	m.Logger().Print("tagged")
	assert.Equal(t, "app: tagged\n", buf.String())
}
