package shm

// classifyTable maps a raw edge hit-count byte to its canonical AFL
// hit bucket: 0, 1, 2, 4, 8, 16, 32, 64, 128. Built once at init so
// that classifying a byte is a single slice lookup.
var classifyTable = buildClassifyTable()

func buildClassifyTable() [256]byte {
	var t [256]byte
	for h := 0; h < 256; h++ {
		switch {
		case h == 0:
			t[h] = 0
		case h == 1:
			t[h] = 1
		case h == 2:
			t[h] = 2
		case h == 3:
			t[h] = 4
		case h <= 7:
			t[h] = 8
		case h <= 15:
			t[h] = 16
		case h <= 31:
			t[h] = 32
		case h <= 127:
			t[h] = 64
		default:
			t[h] = 128
		}
	}
	return t
}

// ClassifyCounts maps one raw hit-count byte to its bucket. It is a
// pure lookup: the same b always yields the same bucket. Applying it
// twice is the identity only for the buckets 0, 1, 2, 64 and 128; the
// buckets 4, 8, 16 and 32 map to the next bucket up on a second pass.
func ClassifyCounts(h byte) byte {
	return classifyTable[h]
}

// ClassifyBitmap returns a freshly allocated bucketized copy of b,
// leaving b untouched.
func ClassifyBitmap(b []byte) []byte {
	out := make([]byte, len(b))
	for i, h := range b {
		out[i] = classifyTable[h]
	}
	return out
}

// PopCount returns the number of set bits across b.
func PopCount(b []byte) int {
	n := 0
	for _, v := range b {
		for v != 0 {
			v &= v - 1
			n++
		}
	}
	return n
}
