package agent

import (
	"context"
	"fmt"
	"time"
)

const poweroffCommand = "poweroff"

// Poweroff asks an Android guest to shut down by writing to its control
// port. There is no reply; success means the write went through.
func Poweroff(ctx context.Context, dial Dialer) error {
	conn, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("dial control port: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(DefaultTimeouts.Default))
	}
	if _, err := conn.Write([]byte(poweroffCommand)); err != nil {
		return fmt.Errorf("write %s: %w", poweroffCommand, err)
	}
	return nil
}
