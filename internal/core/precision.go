package core

import (
	"encoding/binary"
	"fmt"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// decodeHalf converts little endian 16 bit floats to float32.
func decodeHalf(raw []byte, precision Precision) ([]float32, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("half precision buffer has odd length %d", len(raw))
	}

	switch precision {
	case Float16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return out, nil
	case BFloat16:
		return bfloat16.DecodeFloat32(raw), nil
	default:
		return nil, fmt.Errorf("precision %s is not a 16 bit type", precision)
	}
}

// encodeHalf is the inverse of decodeHalf.
func encodeHalf(values []float32, precision Precision) ([]byte, error) {
	switch precision {
	case Float16:
		out := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case BFloat16:
		return bfloat16.EncodeFloat32(values), nil
	default:
		return nil, fmt.Errorf("precision %s is not a 16 bit type", precision)
	}
}
