//go:build !wasm && !windows

package serial

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// lockExclusive marks a tty device for exclusive access (TIOCEXCL) so a
// second ppmboot invocation cannot open the same pod link mid-session and
// race the first one's bootloader traffic. Not every device backing a
// pod link honors TIOCEXCL (some USB-CDC ACM drivers ignore it); that
// failure is reported to the caller rather than silently swallowed, since
// the caller is in the best position to decide whether it matters on
// their target.
func lockExclusive(device string) error {
	fd, err := unix.Open(device, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return errors.Wrap(err, "open for exclusive lock")
	}
	defer unix.Close(fd)
	return unix.IoctlSetInt(fd, unix.TIOCEXCL, 0)
}
