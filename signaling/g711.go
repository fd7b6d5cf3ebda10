/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

// G.711 companding for the call's 8kHz audio.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawSilence is the encoded value of a zero sample
const ulawSilence = 0xFF

func ulawEncode(sample int16) byte {
	v := int32(sample)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exp := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte(v>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mant)
}

func ulawDecode(b byte) int16 {
	b = ^b
	exp := (b >> 4) & 0x07
	mant := int32(b & 0x0F)
	v := ((mant << 3) + ulawBias) << exp
	v -= ulawBias
	if b&0x80 != 0 {
		return int16(-v)
	}
	return int16(v)
}

func alawDecode(b byte) int16 {
	b ^= 0x55
	exp := (b >> 4) & 0x07
	mant := int32(b & 0x0F)
	var v int32
	if exp == 0 {
		v = mant<<4 + 8
	} else {
		v = (mant<<4 + 0x108) << (exp - 1)
	}
	// the sign bit is set for positive samples
	if b&0x80 == 0 {
		return int16(-v)
	}
	return int16(v)
}

// encodeULaw appends the PCMU encoding of pcm to dst
func encodeULaw(dst []byte, pcm []int16) []byte {
	for _, s := range pcm {
		dst = append(dst, ulawEncode(s))
	}
	return dst
}

// decodeG711 appends the linear samples of a PCMU or PCMA payload to dst
func decodeG711(dst []int16, payload []byte, alaw bool) []int16 {
	for _, b := range payload {
		if alaw {
			dst = append(dst, alawDecode(b))
		} else {
			dst = append(dst, ulawDecode(b))
		}
	}
	return dst
}

// resample converts 8kHz samples to rate by nearest-neighbour selection
func resample(dst, src []int16, rate int) []int16 {
	if rate <= 0 || rate == g711Rate {
		return append(dst, src...)
	}
	n := len(src) * rate / g711Rate
	for i := 0; i < n; i++ {
		dst = append(dst, src[i*g711Rate/rate])
	}
	return dst
}
