// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignment(t *testing.T) {
	assert := assert.New(t)

	assert.True(IsPowerOfTwo(1))
	assert.True(IsPowerOfTwo(1024))
	assert.False(IsPowerOfTwo(0))
	assert.False(IsPowerOfTwo(768))

	assert.Equal(uint64(0), AlignUp(0, 128))
	assert.Equal(uint64(128), AlignUp(1, 128))
	assert.Equal(uint64(1024), AlignUp(1024, 1024))
	assert.Equal(uint64(2048), AlignUp(1025, 1024))
}

func TestSwapBytes(t *testing.T) {
	assert.Equal(t, []byte("QEMU"), SwapBytes([]byte("EQUM")))
}

func TestFormatBytes(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("512 B", FormatBytes(512))
	assert.Equal("34.4 GB", FormatBytes(32*1024*1024*1024))
}
