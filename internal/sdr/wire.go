package sdr

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// WireFormat is the over-the-wire sample encoding.
type WireFormat string

const (
	WireSC16 WireFormat = "sc16"
	WireSC8  WireFormat = "sc8"
	WireFC32 WireFormat = "fc32"
)

// ParseWireFormat validates a wire format name. An empty name selects sc16.
func ParseWireFormat(s string) (WireFormat, error) {
	switch WireFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", WireSC16:
		return WireSC16, nil
	case WireSC8:
		return WireSC8, nil
	case WireFC32:
		return WireFC32, nil
	default:
		return "", NewConfigError("wire", "unsupported wire format %q", s)
	}
}

// BytesPerSample returns the size of one complex sample on the wire.
func (w WireFormat) BytesPerSample() int {
	switch w {
	case WireSC8:
		return 2
	case WireFC32:
		return 8
	default:
		return 4
	}
}

// DecodeSamples converts wire bytes into dst without allocating. It returns
// the number of complex samples written.
func DecodeSamples(w WireFormat, src []byte, dst []complex64) (int, error) {
	bps := w.BytesPerSample()
	if len(src)%bps != 0 {
		return 0, fmt.Errorf("payload of %d bytes is not a whole number of %s samples", len(src), w)
	}
	n := len(src) / bps
	if n > len(dst) {
		return 0, fmt.Errorf("payload holds %d samples, buffer holds %d", n, len(dst))
	}
	switch w {
	case WireSC8:
		const scale = float32(1.0 / 128.0)
		for i := 0; i < n; i++ {
			dst[i] = complex(float32(int8(src[2*i]))*scale, float32(int8(src[2*i+1]))*scale)
		}
	case WireFC32:
		for i := 0; i < n; i++ {
			re := math.Float32frombits(binary.LittleEndian.Uint32(src[8*i:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(src[8*i+4:]))
			dst[i] = complex(re, im)
		}
	default:
		const scale = float32(1.0 / 32768.0)
		for i := 0; i < n; i++ {
			re := int16(binary.LittleEndian.Uint16(src[4*i:]))
			im := int16(binary.LittleEndian.Uint16(src[4*i+2:]))
			dst[i] = complex(float32(re)*scale, float32(im)*scale)
		}
	}
	return n, nil
}

// EncodeSamples converts src into wire bytes, appending to dst.
func EncodeSamples(w WireFormat, src []complex64, dst []byte) []byte {
	switch w {
	case WireSC8:
		for _, v := range src {
			dst = append(dst, byte(floatToInt8(real(v))), byte(floatToInt8(imag(v))))
		}
	case WireFC32:
		var tmp [8]byte
		for _, v := range src {
			binary.LittleEndian.PutUint32(tmp[0:], math.Float32bits(real(v)))
			binary.LittleEndian.PutUint32(tmp[4:], math.Float32bits(imag(v)))
			dst = append(dst, tmp[:]...)
		}
	default:
		var tmp [4]byte
		for _, v := range src {
			binary.LittleEndian.PutUint16(tmp[0:], uint16(floatToInt16(real(v))))
			binary.LittleEndian.PutUint16(tmp[2:], uint16(floatToInt16(imag(v))))
			dst = append(dst, tmp[:]...)
		}
	}
	return dst
}

func floatToInt16(v float32) int16 {
	scaled := int(math.Round(float64(v * 32767)))
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled < math.MinInt16 {
		return math.MinInt16
	}
	return int16(scaled)
}

func floatToInt8(v float32) int8 {
	scaled := int(math.Round(float64(v * 127)))
	if scaled > math.MaxInt8 {
		return math.MaxInt8
	}
	if scaled < math.MinInt8 {
		return math.MinInt8
	}
	return int8(scaled)
}
