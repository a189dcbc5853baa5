// SPDX-License-Identifier: Apache-2.0
package kerlberos

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagRequestDefaults(t *testing.T) {
	t.Parallel()

	// no explicit choices: sequence, confidentiality and integrity
	assert.Equal(t, ContextFlag(0x38), FlagRequest{}.Flags())

	// explicit set and clear override the defaults; note mutual auth on
	// and confidentiality explicitly off keeps sequence and integrity
	r := FlagRequest{Set: ContextFlagMutual, Clear: ContextFlagConf}
	assert.Equal(t, ContextFlag(0x2A), r.Flags())

	// set wins over clear for the same flag
	r = FlagRequest{Set: ContextFlagConf, Clear: ContextFlagConf}
	assert.Equal(t, ContextFlagDefault, r.Flags())
}

func TestFlagRequestFromFlags(t *testing.T) {
	t.Parallel()

	// an exact flag set round-trips, with omitted defaults cleared
	f := ContextFlagMutual | ContextFlagInteg
	assert.Equal(t, f, FlagRequestFromFlags(f).Flags())

	assert.Equal(t, ContextFlag(0), FlagRequestFromFlags(0).Flags())
}

func TestFlagBitValues(t *testing.T) {
	t.Parallel()

	// the wire values from RFC 4121 § 4.1.1 and RFC 4757 § 7.1
	assert.Equal(t, ContextFlag(0x01), ContextFlagDeleg)
	assert.Equal(t, ContextFlag(0x02), ContextFlagMutual)
	assert.Equal(t, ContextFlag(0x04), ContextFlagReplay)
	assert.Equal(t, ContextFlag(0x08), ContextFlagSequence)
	assert.Equal(t, ContextFlag(0x10), ContextFlagConf)
	assert.Equal(t, ContextFlag(0x20), ContextFlagInteg)
	assert.Equal(t, ContextFlag(0x1000), ContextFlagDceStyle)
	assert.Equal(t, ContextFlag(0x2000), ContextFlagIdentify)
	assert.Equal(t, ContextFlag(0x4000), ContextFlagExtendedError)
}

func TestFlagList(t *testing.T) {
	t.Parallel()

	fl := FlagList(ContextFlagMutual | ContextFlagInteg | ContextFlagDceStyle)
	assert.Equal(t, []ContextFlag{ContextFlagMutual, ContextFlagInteg, ContextFlagDceStyle}, fl)

	assert.Empty(t, FlagList(0))
}

func TestFlagNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Mutual authentication", FlagName(ContextFlagMutual))
	assert.Equal(t, "Unknown", FlagName(ContextFlag(0x80000000)))

	s := (ContextFlagMutual | ContextFlagConf).String()
	assert.Contains(t, s, "Mutual authentication")
	assert.Contains(t, s, "Confidentiality")
}
