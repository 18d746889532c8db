package peer

import "fmt"

// Addr is a candidate peer address as surfaced by the tracker's compact
// peer list: an IPv4 dotted-quad and a TCP port.
type Addr struct {
	IP   string
	Port uint16
}

// String renders addr in "ip:port" form, suitable for net.Dial.
func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}
