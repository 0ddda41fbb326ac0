package channelizer

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsSpanOverLimit(t *testing.T) {
	_, err := New(bytes.NewReader(nil), []uint64{100_000_000, 102_100_000}, 101_050_000)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_AcceptsSpanAtLimit(t *testing.T) {
	_, err := New(bytes.NewReader(nil), []uint64{100_000_000, 102_000_000}, 101_000_000)
	assert.NoError(t, err)
}

func TestNew_RejectsStationCountOutOfRange(t *testing.T) {
	_, err := New(bytes.NewReader(nil), []uint64{100_000_000}, 100_000_000)
	assert.Error(t, err)

	_, err = New(bytes.NewReader(nil), []uint64{1, 2, 3, 4, 5}, 3)
	assert.Error(t, err)
}

// silentIQ generates n complex samples worth of "silent" (DC mid-scale) IQ
// bytes — every byte 127, i.e. -1/255 (just below zero) after the
// (-127.5)/127.5 shift.
func silentIQ(nSamples int) []byte {
	b := make([]byte, nSamples*2)
	for i := range b {
		b[i] = 127
	}
	return b
}

func TestRun_ProducesOneBlockPerStationPerInputBlock(t *testing.T) {
	raw := silentIQ(blockSamples)
	src := bytes.NewReader(raw)

	c, err := New(src, []uint64{100_000_000, 100_200_000}, 100_100_000)
	require.NoError(t, err)

	sinks := c.Sinks()
	require.Len(t, sinks, 2)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	var gotBlocks [2]int
	for i, s := range sinks {
		for pcm := range s.Blocks() {
			if len(pcm) > 0 {
				gotBlocks[i]++
			}
		}
	}
	require.NoError(t, <-done)
	assert.Equal(t, 1, gotBlocks[0])
	assert.Equal(t, 1, gotBlocks[1])
}

func TestLowpassKernel_UnityDCGain(t *testing.T) {
	k := lowpassKernel(lpfCutoffHz, SampleRateHz, ntaps)
	var sum float64
	for _, v := range k {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}
