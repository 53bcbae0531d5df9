package ifchange

import (
	"github.com/AdguardTeam/golibs/errors"
)

// AckByte is the single byte the config worker writes back to mean "last
// batch applied" (spec §6). Any other byte is undefined and ignored.
const AckByte = '+'

// Reader is the minimal contract against the inbound half of the
// config-worker channel.
type Reader interface {
	Read([]byte) (int, error)
}

// WaitAck reads from r until it sees AckByte, ignoring any other bytes,
// returning io.EOF (or another read error) wrapped with context, so that
// errors.Is still matches it and the caller can treat a closed ack pipe as
// the spec §6 SIGPIPE-equivalent fatal condition.
func WaitAck(r Reader) error {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 && buf[0] == AckByte {
			return nil
		}
		if err != nil {
			return errors.Annotate(err, "ifchange: waiting for ack: %w")
		}
	}
}
