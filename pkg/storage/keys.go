package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key layout:
//
//	o:<orderID>                     order record
//	uo:<user>:<createdAtNanos><id>  user order index
//	f:<pair>:<createdAtNanos><id>   fill record, time-ordered per pair
func orderKey(id string) []byte {
	return []byte("o:" + id)
}

func userOrderPrefix(user common.Address) []byte {
	return []byte(fmt.Sprintf("uo:%s:", user.Hex()))
}

func userOrderKey(user common.Address, nanos int64, id string) []byte {
	key := userOrderPrefix(user)
	key = append(key, tsBytes(nanos)...)
	return append(key, id...)
}

func fillPrefix(pair string) []byte {
	return []byte("f:" + pair + ":")
}

func fillKey(pair string, nanos int64, id string) []byte {
	key := fillPrefix(pair)
	key = append(key, tsBytes(nanos)...)
	return append(key, id...)
}

// tsBytes encodes nanos big-endian so byte order matches time order.
func tsBytes(nanos int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(nanos))
	return b[:]
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
