package events

import (
	"encoding/hex"
	"strconv"
)

func withHexPrefix(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(raw)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func uitoa(v uint64) string { return strconv.FormatUint(v, 10) }
