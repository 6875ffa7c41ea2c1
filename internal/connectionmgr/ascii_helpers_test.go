package connectionmgr

import "fmt"

// paddedIntegerLine renders a status line the way iiod-style daemons pad it:
// a fixed 64 byte record with the integer first and '\n' last.
func paddedIntegerLine(val int) []byte {
	payload := make([]byte, 64)
	copy(payload, []byte(fmt.Sprintf("%d", val)))
	payload[len(payload)-1] = '\n'
	return payload
}
