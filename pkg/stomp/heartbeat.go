package stomp

import (
	"fmt"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// FormatHeartBeat renders a heart-beat header:
// how often the sender can send and how often it wants to receive.
func FormatHeartBeat(outgoing, incoming time.Duration) string {
	return fmt.Sprintf("%d,%d", outgoing.Milliseconds(), incoming.Milliseconds())
}

// NegotiateHeartBeat returns the effective intervals from our own wish
// and the heart-beat header sent by the peer (STOMP 1.2 section "Heart-beating").
// A zero interval disables that direction.
func NegotiateHeartBeat(outgoing, incoming time.Duration, header string) (write, read time.Duration, err error) {
	if header == "" {
		return 0, 0, nil
	}
	sx, sy, err := frame.ParseHeartBeat(header)
	if err != nil {
		return 0, 0, fmt.Errorf("parse heart-beat %q: %w", header, err)
	}
	return negotiate(outgoing, sy), negotiate(incoming, sx), nil
}

func negotiate(mine, theirs time.Duration) time.Duration {
	if mine == 0 || theirs == 0 {
		return 0
	}
	return max(mine, theirs)
}
