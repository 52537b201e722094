package discovery

import (
	"context"
	"net"
	"regexp"
	"strings"
	"time"
)

// queryLDAPRootDSE asks addr for its defaultNamingContext over an
// anonymous LDAP search. It returns "" when the host does not answer.
func queryLDAPRootDSE(ctx context.Context, addr string, timeout time.Duration) string {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ""
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write(buildRootDSESearchRequest()); err != nil {
		return ""
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return ""
	}
	return extractDefaultNamingContext(buf[:n])
}

// buildRootDSESearchRequest encodes messageID 1, a base-scope search of ""
// for (objectClass=*) returning defaultNamingContext.
func buildRootDSESearchRequest() []byte {
	attrList := berSequence(berOctetString("defaultNamingContext"))

	// present filter (objectClass=*)
	filter := berTagged(0x87, []byte("objectClass"))

	var body []byte
	body = append(body, berOctetString("")...)
	body = append(body, berEnum(0)...) // baseObject
	body = append(body, berEnum(0)...) // neverDerefAliases
	body = append(body, berInteger(1)...)
	body = append(body, berInteger(5)...)
	body = append(body, berBool(false)...)
	body = append(body, filter...)
	body = append(body, attrList...)

	var msg []byte
	msg = append(msg, berInteger(1)...)
	msg = append(msg, berTagged(0x63, body)...)
	return berSequence(msg)
}

// extractDefaultNamingContext pulls the first octet string following the
// attribute name, falling back to any DC= sequence in the packet.
func extractDefaultNamingContext(data []byte) string {
	marker := "defaultNamingContext"
	idx := strings.Index(string(data), marker)
	if idx < 0 {
		return extractDCPattern(data)
	}

	rest := data[idx+len(marker):]
	for i := 0; i < len(rest)-2; i++ {
		if rest[i] == 0x04 {
			length := int(rest[i+1])
			if length > 0 && i+2+length <= len(rest) {
				return string(rest[i+2 : i+2+length])
			}
		}
	}
	return extractDCPattern(data)
}

var dcPattern = regexp.MustCompile(`DC=[A-Za-z0-9_-]+(?:,DC=[A-Za-z0-9_-]+)*`)

func extractDCPattern(data []byte) string {
	return string(dcPattern.Find(data))
}

func berSequence(data []byte) []byte {
	return berTagged(0x30, data)
}

func berTagged(tag byte, data []byte) []byte {
	out := append([]byte{tag}, berLength(len(data))...)
	return append(out, data...)
}

func berLength(l int) []byte {
	switch {
	case l < 128:
		return []byte{byte(l)}
	case l < 256:
		return []byte{0x81, byte(l)}
	default:
		return []byte{0x82, byte(l >> 8), byte(l & 0xff)}
	}
}

func berInteger(val int) []byte {
	var data []byte
	switch {
	case val < 128:
		data = []byte{byte(val)}
	case val < 32768:
		data = []byte{byte(val >> 8), byte(val & 0xff)}
	default:
		data = []byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)}
	}
	return append([]byte{0x02, byte(len(data))}, data...)
}

func berOctetString(val string) []byte {
	return berTagged(0x04, []byte(val))
}

func berEnum(val int) []byte {
	return []byte{0x0a, 0x01, byte(val)}
}

func berBool(val bool) []byte {
	if val {
		return []byte{0x01, 0x01, 0xff}
	}
	return []byte{0x01, 0x01, 0x00}
}
