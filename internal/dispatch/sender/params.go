package sender

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

// paramPattern matches the placeholders a route's param template may use.
var paramPattern = regexp.MustCompile(`\{(hexmessage|message|numfrom|numto|id|url|title|media|terminal|tonhack)\}`)

// BuildParams renders the route's param template for the message. Message
// body placeholders are elided for wap pushes and wap placeholders for plain
// sends, so one template can serve both kinds on a mixed route. An elided
// placeholder drops the literal text before it as well, so "&url={url}"
// disappears whole instead of leaving a dangling "&url=".
func BuildParams(route *domain.HTTPRoute, msg *domain.Message) (string, error) {
	wap := msg.MessageType == domain.MessageTypeWapPush

	var b strings.Builder
	last := 0
	for _, loc := range paramPattern.FindAllStringSubmatchIndex(route.Params, -1) {
		field := route.Params[loc[2]:loc[3]]
		value, render, err := renderField(route, msg, field, wap)
		if err != nil {
			return "", fmt.Errorf("failed to render params for route %d: %w", route.RouteID, err)
		}
		if render {
			b.WriteString(route.Params[last:loc[0]])
			b.WriteString(value)
		}
		last = loc[1]
	}
	b.WriteString(route.Params[last:])
	return b.String(), nil
}

// renderField resolves one placeholder. render is false when the field does
// not apply to this kind of message.
func renderField(route *domain.HTTPRoute, msg *domain.Message, field string, wap bool) (value string, render bool, err error) {
	var raw string
	switch field {
	case "message":
		if wap {
			return "", false, nil
		}
		raw = msg.Body
	case "hexmessage":
		if wap {
			return "", false, nil
		}
		encoded, err := encodeText(msg.Body, route.ParamEncoding)
		if err != nil {
			return "", false, err
		}
		return strings.ToUpper(hex.EncodeToString(encoded)), true, nil
	case "numfrom":
		raw = msg.NumFrom
	case "numto", "terminal":
		raw = msg.NumTo
	case "id":
		raw = strconv.FormatInt(msg.ID, 10)
	case "url", "media":
		if !wap || msg.WapURL == nil {
			return "", false, nil
		}
		raw = *msg.WapURL
	case "title":
		if !wap || msg.WapTitle == nil {
			return "", false, nil
		}
		raw = *msg.WapTitle
	case "tonhack":
		return tonFor(msg.NumFrom), true, nil
	}

	encoded, err := encodeParam(raw, route.ParamEncoding)
	if err != nil {
		return "", false, err
	}
	return encoded, true, nil
}

// tonFor derives the type-of-number value some carriers require from the
// first digit of the sender number.
func tonFor(numFrom string) string {
	if numFrom == "" {
		return "5"
	}
	switch numFrom[0] {
	case '0':
		return "1"
	case '6', '8':
		return "3"
	default:
		return "5"
	}
}

// encodeText converts the string to the route's byte encoding.
func encodeText(s, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "", "utf-8", "utf8":
		return []byte(s), nil
	case "iso-8859-1", "latin1":
		return charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
	case "iso-8859-15":
		return charmap.ISO8859_15.NewEncoder().Bytes([]byte(s))
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewEncoder().Bytes([]byte(s))
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// encodeParam byte-encodes then percent-encodes a value the way carrier
// endpoints expect: space becomes plus, and '.', '-', '*' and '_' pass
// through unescaped.
func encodeParam(s, encoding string) (string, error) {
	raw, err := encodeText(s, encoding)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, c := range raw {
		switch {
		case c == ' ':
			b.WriteByte('+')
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '-', c == '*', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String(), nil
}
