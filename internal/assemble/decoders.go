package assemble

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// DecoderFunc renders a custom `%{name}` specifier's raw item bytes as text.
type DecoderFunc func(raw []byte) string

// registry maps decoder name to implementation. Built once at package init,
// then read-only; RegisterDecoder exists so a caller can add vendor-specific
// decoders before the first Assemble call.
var registry = map[string]DecoderFunc{
	"bool":     decodeBool,
	"BOOL":     decodeBOOL,
	"uuid_t":   decodeUUID,
	"time_t":   decodeTimeT,
	"errno":    decodeDarwinErrno,
	"darwin.errno": decodeDarwinErrno,
	"signal":   decodeSignal,
	"darwin.signal": decodeSignal,
	"bitrate":  decodeBitrate,
	"iec-bytes": decodeIECBytes,
	"in_addr":  decodeInAddr,
	"in6_addr": decodeIn6Addr,
	"sockaddr": decodeSockaddr,
	"network:in_addr":  decodeInAddr,
	"network:sockaddr": decodeSockaddr,
	"mdns:dnshdr": decodeMDNSHeader,
	"mdns:rrtype": decodeMDNSRRType,
	"location:CLClientAuthorizationStatus": decodeCLAuthStatus,
	"odtypes:mbr_details": decodeMBRDetails,
}

// RegisterDecoder adds or replaces a custom-decoder entry.
func RegisterDecoder(name string, fn DecoderFunc) {
	registry[name] = fn
}

// lookupDecoder resolves a decoder by name; unknown names stringify the
// bytes as hex and annotate "<decode:unknown>".
func lookupDecoder(name string, raw []byte) string {
	if fn, ok := registry[name]; ok {
		return fn(raw)
	}
	return fmt.Sprintf("<decode:unknown:%X>", raw)
}

func leUint(raw []byte) uint64 {
	var v uint64
	for i, b := range raw {
		if i >= 8 {
			break
		}
		v |= uint64(b) << (8 * i)
	}
	return v
}

func leInt(raw []byte) int64 {
	u := leUint(raw)
	switch len(raw) {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	case 4:
		return int64(int32(u))
	default:
		return int64(u)
	}
}

func decodeBool(raw []byte) string {
	if leUint(raw) != 0 {
		return "true"
	}
	return "false"
}

func decodeBOOL(raw []byte) string {
	if leUint(raw) != 0 {
		return "YES"
	}
	return "NO"
}

func decodeUUID(raw []byte) string {
	if len(raw) < 16 {
		return fmt.Sprintf("<decode:unknown:%X>", raw)
	}
	var u [16]byte
	copy(u[:], raw[:16])
	return uuid.UUID(u).String()
}

func decodeTimeT(raw []byte) string {
	sec := leInt(raw)
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

// darwinErrnoNames covers the common POSIX errno values Darwin shares with
// BSD. This is the %{darwin.errno} custom decoder, distinct from %m
// symbolic resolution, which is out of scope.
var darwinErrnoNames = map[int64]string{
	1:  "EPERM",
	2:  "ENOENT",
	3:  "ESRCH",
	4:  "EINTR",
	5:  "EIO",
	9:  "EBADF",
	11: "EAGAIN",
	12: "ENOMEM",
	13: "EACCES",
	17: "EEXIST",
	20: "ENOTDIR",
	22: "EINVAL",
	32: "EPIPE",
	35: "EDEADLK",
	60: "ETIMEDOUT",
}

func decodeDarwinErrno(raw []byte) string {
	n := leInt(raw)
	if name, ok := darwinErrnoNames[n]; ok {
		return fmt.Sprintf("%d [%s]", n, name)
	}
	return fmt.Sprintf("%d", n)
}

var darwinSignalNames = map[int64]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	3:  "SIGQUIT",
	4:  "SIGILL",
	6:  "SIGABRT",
	8:  "SIGFPE",
	9:  "SIGKILL",
	11: "SIGSEGV",
	13: "SIGPIPE",
	14: "SIGALRM",
	15: "SIGTERM",
}

func decodeSignal(raw []byte) string {
	n := leInt(raw)
	if name, ok := darwinSignalNames[n]; ok {
		return fmt.Sprintf("%d [%s]", n, name)
	}
	return fmt.Sprintf("%d", n)
}

func decodeBitrate(raw []byte) string {
	v := float64(leUint(raw))
	units := []string{"bps", "Kbps", "Mbps", "Gbps", "Tbps"}
	i := 0
	for v >= 1000 && i < len(units)-1 {
		v /= 1000
		i++
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}

func decodeIECBytes(raw []byte) string {
	v := float64(leUint(raw))
	units := []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}

func decodeInAddr(raw []byte) string {
	if len(raw) < 4 {
		return fmt.Sprintf("<decode:unknown:%X>", raw)
	}
	return net.IP(raw[:4]).String()
}

func decodeIn6Addr(raw []byte) string {
	if len(raw) < 16 {
		return fmt.Sprintf("<decode:unknown:%X>", raw)
	}
	return net.IP(raw[:16]).String()
}

// decodeSockaddr interprets the leading sa_family byte (BSD sockaddr
// layout: sa_len, sa_family, ...) to pick IPv4 vs IPv6, falling back to hex.
func decodeSockaddr(raw []byte) string {
	if len(raw) < 2 {
		return fmt.Sprintf("<decode:unknown:%X>", raw)
	}
	const afInet, afInet6 = 2, 30
	switch raw[1] {
	case afInet:
		if len(raw) >= 8 {
			return net.IP(raw[4:8]).String()
		}
	case afInet6:
		if len(raw) >= 24 {
			return net.IP(raw[8:24]).String()
		}
	}
	return fmt.Sprintf("<decode:unknown:%X>", raw)
}

// decodeMDNSHeader renders a DNS message header's fixed 12-byte fields.
func decodeMDNSHeader(raw []byte) string {
	if len(raw) < 12 {
		return fmt.Sprintf("<decode:unknown:%X>", raw)
	}
	id := binary.BigEndian.Uint16(raw[0:2])
	flags := binary.BigEndian.Uint16(raw[2:4])
	qd := binary.BigEndian.Uint16(raw[4:6])
	an := binary.BigEndian.Uint16(raw[6:8])
	ns := binary.BigEndian.Uint16(raw[8:10])
	ar := binary.BigEndian.Uint16(raw[10:12])
	return fmt.Sprintf("id=%#04x flags=%#04x qd=%d an=%d ns=%d ar=%d", id, flags, qd, an, ns, ar)
}

var mdnsRRTypeNames = map[uint16]string{
	1:  "A",
	2:  "NS",
	5:  "CNAME",
	6:  "SOA",
	12: "PTR",
	15: "MX",
	16: "TXT",
	28: "AAAA",
	33: "SRV",
	255: "ANY",
}

func decodeMDNSRRType(raw []byte) string {
	v := uint16(leUint(raw))
	if name, ok := mdnsRRTypeNames[v]; ok {
		return name
	}
	return fmt.Sprintf("%d", v)
}

var clAuthorizationStatusNames = map[int64]string{
	0: "NotDetermined",
	1: "Restricted",
	2: "Denied",
	3: "AuthorizedAlways",
	4: "AuthorizedWhenInUse",
}

func decodeCLAuthStatus(raw []byte) string {
	v := leInt(raw)
	if name, ok := clAuthorizationStatusNames[v]; ok {
		return name
	}
	return fmt.Sprintf("%d", v)
}

// decodeMBRDetails has no publicly documented layout; this renders a
// best-effort hex summary rather than guessing field boundaries.
func decodeMBRDetails(raw []byte) string {
	return fmt.Sprintf("mbr_details(%X)", raw)
}
