package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	src := "x1_05:note1gsc\n\nx2_00:note2abc\n"
	reg, err := parse(strings.NewReader(src))
	require.NoError(t, err)

	m, ok := reg.Lookup("note1gsc")
	require.True(t, ok)
	require.Equal(t, uint16(62531), m.Threshold)

	m2, ok := reg.Lookup("note2abc")
	require.True(t, ok)
	require.Equal(t, uint16(32820), m2.Threshold)

	_, ok = reg.Lookup("unknown")
	require.False(t, ok)
}

func TestParseRejectsDuplicateNoteID(t *testing.T) {
	src := "x1_05:note1\nx2_00:note1\n"
	_, err := parse(strings.NewReader(src))
	require.Error(t, err)
}

func TestParseRejectsUnknownFactor(t *testing.T) {
	src := "x1_23456:note1\n"
	_, err := parse(strings.NewReader(src))
	require.Error(t, err)
}

func TestPayoutMsatRoundsDown(t *testing.T) {
	reg, err := parse(strings.NewReader("x1_05:note1\n"))
	require.NoError(t, err)
	m, _ := reg.Lookup("note1")
	require.Equal(t, uint64(52500), PayoutMsat(50000, m))
}
