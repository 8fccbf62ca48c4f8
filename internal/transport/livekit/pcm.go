package livekit

import "encoding/binary"

// bytesToSamples decodes little-endian PCM16. A trailing odd byte is dropped.
func bytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// samplesToBytes encodes PCM16 as little-endian bytes.
func samplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// downsample reduces the rate by an integer factor, averaging each group.
func downsample(s []int16, factor int) []int16 {
	if factor <= 1 {
		return s
	}
	out := make([]int16, 0, len(s)/factor)
	for i := 0; i+factor <= len(s); i += factor {
		var sum int32
		for _, v := range s[i : i+factor] {
			sum += int32(v)
		}
		out = append(out, int16(sum/int32(factor)))
	}
	return out
}

// chunk splits s into frames of at most n samples.
func chunk(s []int16, n int) [][]int16 {
	if n <= 0 || len(s) <= n {
		return [][]int16{s}
	}
	frames := make([][]int16, 0, (len(s)+n-1)/n)
	for len(s) > n {
		frames = append(frames, s[:n])
		s = s[n:]
	}
	if len(s) > 0 {
		frames = append(frames, s)
	}
	return frames
}
