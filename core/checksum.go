package core

// Fletcher32 computes the Fletcher-32 checksum of data taken as little-endian
// 16-bit words. An odd trailing byte is padded with zero.
func Fletcher32(data []byte) uint32 {
	var sum1, sum2 uint32 = 0xFFFF, 0xFFFF
	n := len(data)
	i := 0
	for n > 0 {
		// 359 words keep both sums below 2^32 before the reduction.
		block := n / 2
		if block > 359 {
			block = 359
		}
		if block == 0 {
			block = 1
		}
		for ; block > 0 && n > 0; block-- {
			var word uint32
			if n >= 2 {
				word = uint32(data[i]) | uint32(data[i+1])<<8
				i += 2
				n -= 2
			} else {
				word = uint32(data[i])
				i++
				n--
			}
			sum1 += word
			sum2 += sum1
		}
		sum1 = (sum1 & 0xFFFF) + (sum1 >> 16)
		sum2 = (sum2 & 0xFFFF) + (sum2 >> 16)
	}
	sum1 = (sum1 & 0xFFFF) + (sum1 >> 16)
	sum2 = (sum2 & 0xFFFF) + (sum2 >> 16)
	return sum2<<16 | sum1
}
