package agent

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// ping sends a frame with a zero stream id. A live ttrpc server rejects it
// with an error frame, which is enough to know it is accepting requests.
func ping(rw net.Conn) error {
	n, err := rw.Write([]byte{
		0, 0, 0, 0, // length
		0, 0, 0, 0, // stream id, even so the server must reject it
		0, 0, // type and flags
	})
	if err != nil {
		return fmt.Errorf("write ping: %w", err)
	} else if n != 10 {
		return fmt.Errorf("short ping write: %d bytes", n)
	}
	hdr := make([]byte, 10)
	if _, err := io.ReadFull(rw, hdr); err != nil {
		return fmt.Errorf("read ping reply: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	if sid := binary.BigEndian.Uint32(hdr[4:8]); sid != 0 {
		return fmt.Errorf("ping reply on stream %d", sid)
	}
	if length == 0 {
		return fmt.Errorf("empty ping reply")
	}
	_, err = io.Copy(io.Discard, io.LimitReader(rw, int64(length)))
	return err
}
