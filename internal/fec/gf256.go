package fec

import "sync"

// GF(2^8) generated by x^8 + x^4 + x^3 + x^2 + 1 (0x11d), the same field the
// FEC block math runs over. Tables are built once, lazily, the first time
// any encoder/decoder needs them.
const primPoly = 0x11d

var (
	gfOnce sync.Once
	gfExp  [512]byte
	gfLog  [256]byte
)

func gfInit() {
	gfOnce.Do(func() {
		x := 1
		for i := 0; i < 255; i++ {
			gfExp[i] = byte(x)
			gfLog[byte(x)] = byte(i)
			x <<= 1
			if x&0x100 != 0 {
				x ^= primPoly
			}
		}
		for i := 255; i < 512; i++ {
			gfExp[i] = gfExp[i-255]
		}
		gfLog[0] = 0
	})
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfDiv(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	diff := int(gfLog[a]) - int(gfLog[b])
	if diff < 0 {
		diff += 255
	}
	return gfExp[diff]
}

// gfPow2 returns alpha^exp where alpha = 2, the generator used for the Q
// parity coefficients.
func gfPow2(exp int) byte {
	exp %= 255
	if exp < 0 {
		exp += 255
	}
	return gfExp[exp]
}

func xorBytes(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] ^= src[i]
	}
}

func xorMulBytes(dst, src []byte, factor byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] ^= gfMul(src[i], factor)
	}
}
