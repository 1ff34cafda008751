package stk500

import "fmt"

// maxRequest covers the largest request: PROG_PAGE header + page + EOP.
const maxRequest = 4 + MaxPageSize + 1

// Request is a command with its arguments, framed with CrcEOP on Encode.
type Request struct {
	Command byte
	Args    []byte
}

// Encode frames the request into buf and returns the used slice.
func (r Request) Encode(buf []byte) ([]byte, error) {
	n := 1 + len(r.Args) + 1
	if n > len(buf) {
		return nil, fmt.Errorf("request 0x%02X too large: %d bytes", r.Command, n)
	}
	buf[0] = r.Command
	copy(buf[1:], r.Args)
	buf[n-1] = CrcEOP
	return buf[:n], nil
}

// replyLen is the expected reply length for a payload of n bytes.
func replyLen(n int) int {
	return n + 2
}

// checkReply validates INSYNC ... OK framing and returns the payload.
func checkReply(cmd byte, reply []byte) ([]byte, error) {
	if len(reply) < 2 || reply[0] != RespInSync || reply[len(reply)-1] != RespOK {
		return nil, &ReplyError{Command: cmd, Got: append([]byte(nil), reply...), Err: ErrUnexpectedReply}
	}
	return reply[1 : len(reply)-1], nil
}

// loadAddressArgs encodes a byte address as the little-endian word address
// optiboot expects.
func loadAddressArgs(address int) []byte {
	word := address >> 1
	return []byte{byte(word), byte(word >> 8)}
}

// progPageHeader builds the PROG_PAGE argument prefix for n data bytes.
func progPageHeader(n int) []byte {
	return []byte{byte(n >> 8), byte(n), MemFlash}
}
