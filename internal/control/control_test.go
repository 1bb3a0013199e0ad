package control

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSetCommands(t *testing.T) {
	tests := []struct {
		msg     string
		control ID
		value   int64
	}{
		{"SET_GAIN:250", Gain, 250},
		{"SET_GAIN:-3", Gain, -3},
		{" set_gain : 42 ", Gain, 42},
		{"SET_WB_R:50", WBRed, 50},
		{"SET_WB_B:90", WBBlue, 90},
		{"SET_EXPOSURE:12.5", Exposure, 12500},
		{"SET_EXPOSURE:100", Exposure, 100000},
		{"SET_BANDWIDTH:40", Bandwidth, 40},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			cmd, err := Parse(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, KindSet, cmd.Kind)
			assert.Equal(t, tt.control, cmd.Control)
			assert.Equal(t, tt.value, cmd.Value)
		})
	}
}

func TestParseMalformedGain(t *testing.T) {
	cmd, err := Parse("SET_GAIN:abc")
	require.Error(t, err)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "SET_GAIN", perr.Command)
	assert.Equal(t, "abc", perr.Arg)
	assert.True(t, errors.Is(err, strconv.ErrSyntax))
	assert.Equal(t, KindUnknown, cmd.Kind)
}

func TestParseRejectsNegativeExposure(t *testing.T) {
	_, err := Parse("SET_EXPOSURE:-1")
	var perr *ParseError
	assert.True(t, errors.As(err, &perr))
}

func TestParseOtherCommands(t *testing.T) {
	cmd, err := Parse("SWITCH_OUTPUT:")
	require.NoError(t, err)
	assert.Equal(t, KindSwitchOutput, cmd.Kind)

	cmd, err = Parse("START_CAPTURE:10")
	require.NoError(t, err)
	assert.Equal(t, KindStartCapture, cmd.Kind)
	assert.Equal(t, int64(10), cmd.Value)

	for _, msg := range []string{"hello", "", "PING:1", "SET_FOCUS:3"} {
		cmd, err := Parse(msg)
		require.NoError(t, err, msg)
		assert.Equal(t, KindUnknown, cmd.Kind, msg)
	}
}

func TestSetPendingAppliesChangedOnly(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Set(Gain, 3))
	require.NoError(t, s.Set(Gain, 7))
	require.NoError(t, s.Set(WBBlue, 80))
	require.Error(t, s.Set(ID("focus"), 1))

	got := map[ID]int64{}
	s.Pending(func(id ID, v int64) { got[id] = v })
	assert.Equal(t, map[ID]int64{Gain: 7, WBBlue: 80}, got)

	calls := 0
	s.Pending(func(ID, int64) { calls++ })
	assert.Zero(t, calls)

	assert.Equal(t, map[ID]int64{Gain: 7, WBBlue: 80}, s.Snapshot())
}

func TestSeedMarksPending(t *testing.T) {
	s := NewSet()
	s.Seed(Defaults)

	got := map[ID]int64{}
	s.Pending(func(id ID, v int64) { got[id] = v })
	assert.Equal(t, Defaults, got)
	assert.True(t, Gain.Valid())
	assert.False(t, ID("focus").Valid())
}
