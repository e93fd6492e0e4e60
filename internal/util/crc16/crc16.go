package crc16

// Params selects a CRC-16 variant.
type Params struct {
	Init   uint16
	Xorout uint16
}

// X25 is the CRC-16/X-25 variant (reflected, poly 0x1021) used by the gt06
// family framing.
var X25 = Params{Init: 0xffff, Xorout: 0xffff}

const polyReflected = 0x8408

// Checksum computes the CRC over data with the given parameters.
func Checksum(params Params, data []byte) uint16 {
	crc := params.Init
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ polyReflected
			} else {
				crc >>= 1
			}
		}
	}
	return crc ^ params.Xorout
}
