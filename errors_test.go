// SPDX-License-Identifier: Apache-2.0
package kerlberos

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusMatching(t *testing.T) {
	t.Parallel()

	// detail text does not affect matching
	err := DefectiveToken("truncated header")
	assert.True(t, errors.Is(err, ErrDefectiveToken))
	assert.False(t, errors.Is(err, ErrBadMech))
	assert.False(t, errors.Is(err, ErrDuplicateToken))

	assert.True(t, errors.Is(ErrGapToken, ErrGapToken))
	assert.False(t, errors.Is(ErrGapToken, ErrDuplicateToken))

	assert.True(t, errors.Is(UnseqToken("wrong direction"), ErrUnseqToken))

	// matching works through wrapping too
	wrapped := fmt.Errorf("outer: %w", DefectiveToken("inner"))
	assert.True(t, errors.Is(wrapped, ErrDefectiveToken))
}

func TestStatusStrings(t *testing.T) {
	t.Parallel()

	err := DefectiveToken("truncated header")
	assert.Contains(t, err.Error(), "gssapi: ")
	assert.Contains(t, err.Error(), "A token was invalid")
	assert.Contains(t, err.Error(), "truncated header")

	assert.Contains(t, ErrDuplicateToken.Error(), "duplicate")
	assert.Contains(t, ErrGapToken.Error(), "was not received")
}

func TestStatusFatal(t *testing.T) {
	t.Parallel()

	assert.True(t, ErrDefectiveToken.Fatal())
	assert.True(t, ErrBadMech.Fatal())
	assert.False(t, ErrDuplicateToken.Fatal())
	assert.False(t, ErrGapToken.Fatal())
	assert.False(t, ErrUnseqToken.Fatal())
}
