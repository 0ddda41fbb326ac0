package audio

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

type fakeFeeder struct {
	recording bool
	fed       [][]byte
}

func (f *fakeFeeder) IsRecording() bool { return f.recording }
func (f *fakeFeeder) Feed(chunk []byte) {
	cp := append([]byte(nil), chunk...)
	f.fed = append(f.fed, cp)
}

func TestTee_AlwaysForwardsToDecoderSink(t *testing.T) {
	src := bytes.NewReader([]byte("hello world, this is PCM-shaped test data"))
	dst := &bytes.Buffer{}
	feeder := &fakeFeeder{recording: false}

	tee := New(src, nopCloser{dst}, feeder)
	require.NoError(t, tee.Run())

	assert.Equal(t, "hello world, this is PCM-shaped test data", dst.String())
	assert.Empty(t, feeder.fed, "recorder should not receive chunks while not recording")
}

func TestTee_MirrorsToRecorderWhenRecording(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{0x01, 0x02}, 5000))
	dst := &bytes.Buffer{}
	feeder := &fakeFeeder{recording: true}

	tee := New(src, nopCloser{dst}, feeder)
	require.NoError(t, tee.Run())

	assert.Equal(t, dst.Len(), 10000)
	var fedTotal int
	for _, c := range feeder.fed {
		fedTotal += len(c)
	}
	assert.Equal(t, dst.Len(), fedTotal, "every byte delivered to the decoder must also reach the recorder while active")
}

func TestTee_StopsOnDecoderWriteError(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{0xAA}, 100))
	dst := &failingWriter{}
	feeder := &fakeFeeder{recording: true}

	tee := New(src, dst, feeder)
	err := tee.Run()
	assert.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }
func (failingWriter) Close() error                { return nil }
