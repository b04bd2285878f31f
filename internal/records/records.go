// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

// Package records implements the TLV ("record") layer carried inside
// IK4 application payloads: splitting a payload into records, the
// two-pass context-then-action parsing strategy, and encoders for the
// acknowledgement and output-command records the server emits.
package records

import (
	"fmt"
	"strings"
	"time"

	"github.com/cruunnerr/ha-vds2465-server/internal/events"
	"github.com/cruunnerr/ha-vds2465-server/internal/metrics"
)

// Record type bytes, per the VdS record catalogue.
const (
	TypeIdentity         = 0x56
	TypePriority         = 0x01
	TypeMessage          = 0x02
	TypeMessageAck       = 0x03
	TypeStatus           = 0x04
	TypeStatusAlt        = 0x20
	TypeError            = 0x11
	TypeTest             = 0x40
	TypeTestAck          = 0x41
	TypeTime             = 0x50
	TypeManufacturer     = 0x51
	TypeArea             = 0x54
	TypeFeatures         = 0x59
	TypeTransportService = 0x61
	TypeTelegramCounter  = 0x73
)

var ignoredTypes = map[byte]bool{
	0x10: true, 0x24: true, 0x26: true, 0x55: true, 0xFF: true,
}

// Record is one [sl][type][body] unit of an IK4 payload.
type Record struct {
	SL   byte
	Type byte
	Body []byte
}

// Split decomposes data into records. A record whose declared body
// length would run past the end of data terminates the scan; records
// already parsed are kept.
func Split(data []byte) []Record {
	var out []Record
	offset := 0
	for offset+2 <= len(data) {
		sl := data[offset]
		typ := data[offset+1]
		offset += 2
		if offset+int(sl) > len(data) {
			break
		}
		out = append(out, Record{SL: sl, Type: typ, Body: data[offset : offset+int(sl)]})
		offset += int(sl)
	}
	return out
}

// Encode serialises a single record back to wire form.
func Encode(typ byte, body []byte) []byte {
	out := make([]byte, 2+len(body))
	out[0] = byte(len(body))
	out[1] = typ
	copy(out[2:], body)
	return out
}

// DecodeIdentity converts a packed-decimal identity body to its
// decimal digit string: each byte holds two digits (low nibble then
// high nibble); a nibble of 0xF is skipped.
func DecodeIdentity(body []byte) string {
	var sb strings.Builder
	for _, b := range body {
		low := b & 0x0F
		high := (b >> 4) & 0x0F
		if low != 0xF {
			sb.WriteByte('0' + low)
		}
		if high != 0xF {
			sb.WriteByte('0' + high)
		}
	}
	return sb.String()
}

// TimeRecord builds the 9-byte [sl=7][0x50][yy_lo][yy_hi][mm][dd][HH][MM][SS]
// time record for t, used in test-message acknowledgements.
func TimeRecord(t time.Time) []byte {
	year := t.Year()
	body := []byte{
		byte(year % 100),
		byte(year / 100),
		byte(t.Month()),
		byte(t.Day()),
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()),
	}
	return Encode(TypeTime, body)
}

// EncodeOutput builds the output-control record (sl, type 0x02 and
// body) the server sends
// to drive a device's output: device/area select a physical output,
// address is the output number, on selects the energised state.
func EncodeOutput(device, area, address byte, on bool) []byte {
	state := byte(0x80)
	if on {
		state = 0x00
	}
	body := []byte{
		((device << 4) & 0xF0) | (area & 0x0F),
		address,
		0x00,
		0x02,
		state,
	}
	return Encode(TypeMessage, body)
}

// LookupFunc resolves whether identity is a known, configured device.
type LookupFunc func(identity string) bool

// Outcome is the result of parsing one IK4 payload.
type Outcome struct {
	// Identity is the connection's identity after this payload:
	// unchanged unless a 0x56 record was present, in which case it is the
	// decoded identity (also when UnknownIdentity is set).
	Identity string

	// UnknownIdentity is true when a 0x56 record named a device absent
	// from the lookup table; parsing stops at that point (no action
	// pass runs) and the caller must disconnect.
	UnknownIdentity bool

	// Outgoing holds TLV records to append to the send queue, in
	// order: message acknowledgements and test-message acknowledgements.
	Outgoing [][]byte

	// SawTest is true when the payload carried a type-0x40 test
	// message record, so callers can reset liveness tracking.
	SawTest bool
}

// Parse runs the two-pass context-then-action parse of an IK4 payload.
// identity is the connection's identity as known before this payload;
// keyID is the connection's current key id, attached to emitted
// events. sink may be nil, in which case events are silently dropped
// (useful for tests that only care about Outcome).
func Parse(payload []byte, identity string, keyID uint16, lookup LookupFunc, sink events.Sink) Outcome {
	records := Split(payload)
	outcome := Outcome{Identity: identity}

	var ctx events.Context
	ctx.Identity = identity

	for _, r := range records {
		switch r.Type {
		case TypeIdentity:
			decoded := DecodeIdentity(r.Body)
			ctx.Identity = decoded
			outcome.Identity = decoded
			if lookup != nil && !lookup(decoded) {
				outcome.UnknownIdentity = true
				return outcome
			}
			emit(sink, events.Connected, events.ConnectedPayload{Identity: decoded, KeyID: keyID})

		case TypeManufacturer:
			ctx.ManufacturerStr = trimLatin1(r.Body)

		case TypeArea:
			ctx.AreaName = strings.TrimSpace(strings.ReplaceAll(trimLatin1(r.Body), "\r", " "))

		case TypeTime:
			if len(r.Body) >= 7 {
				year := int(r.Body[0]) + int(r.Body[1])*100
				t := time.Date(year, time.Month(r.Body[2]), int(r.Body[3]), int(r.Body[4]), int(r.Body[5]), int(r.Body[6]), 0, time.UTC)
				ctx.Entstehungszeit = t.Format("02.01.2006, 15:04:05")
			}

		case TypePriority:
			if len(r.Body) >= 1 {
				p := r.Body[0]
				ctx.Priority = &p
			}

		case TypeTransportService:
			if len(r.Body) >= 1 {
				ctx.TransportService = transportServiceName(r.Body[0])
			}

		case TypeTelegramCounter:
			if len(r.Body) >= 5 {
				counter := be32(r.Body[1:5])
				ctx.TelegramCounter = &counter
			}
		}
	}
	if outcome.Identity != "" {
		ctx.Identity = outcome.Identity
	}

	for _, r := range records {
		switch r.Type {
		case TypeMessage, TypeStatus, TypeStatusAlt:
			if len(r.Body) < 5 {
				continue
			}
			payload := decodeAlarm(ctx, r, keyID)
			metrics.AlarmsTotal.WithLabelValues(payload.Kind).Inc()
			emit(sink, events.Alarm, payload)
			if r.Type == TypeMessage {
				outcome.Outgoing = append(outcome.Outgoing, Encode(TypeMessageAck, r.Body))
			}

		case TypeError:
			if len(r.Body) < 2 {
				continue
			}
			code := r.Body[1]
			emit(sink, events.ErrorEvent, events.ErrorPayload{
				Identity: ctx.Identity,
				Code:     code,
				Text:     Errors.LookupError(code),
			})

		case TypeTest:
			outcome.SawTest = true
			emit(sink, events.Status, events.StatusPayload{Context: ctx, KeyID: keyID, Msg: "Testmeldung"})
			outgoing := append([]byte{}, Encode(TypeTestAck, nil)...)
			outgoing = append(outgoing, TimeRecord(time.Now())...)
			outcome.Outgoing = append(outcome.Outgoing, outgoing)

		case TypeManufacturer:
			emit(sink, events.ManufacturerUpdate, events.ManufacturerUpdatePayload{
				Identity:     ctx.Identity,
				Manufacturer: ctx.ManufacturerStr,
			})

		case TypeArea:
			emit(sink, events.AreaUpdate, events.AreaUpdatePayload{
				Identity: ctx.Identity,
				AreaName: ctx.AreaName,
			})

		case TypeFeatures:
			if features := decodeFeatures(r.Body); len(features) > 0 {
				emit(sink, events.FeaturesUpdate, events.FeaturesUpdatePayload{
					Identity: ctx.Identity,
					Features: features,
				})
			}
		}
	}
	return outcome
}

func decodeAlarm(ctx events.Context, r Record, keyID uint16) events.AlarmPayload {
	body := r.Body
	geraet := (body[0] >> 4) & 0x0F
	bereich := body[0] & 0x0F
	address := body[1]
	addrExt := body[3]
	code := body[4]

	kind := "Meldung"
	if r.Type == TypeStatusAlt {
		kind = "Status"
	}

	payload := events.AlarmPayload{
		Context: ctx,
		KeyID:   keyID,
		Device:  geraet,
		Area:    bereich,
		Address: address,
		Code:    code,
		Text:    Messages.Lookup(code),
		Kind:    kind,
	}

	switch addrExt {
	case 1:
		payload.Quelle = "Input"
		payload.Zustand = onOff(code)
	case 2:
		payload.Quelle = "Output"
		payload.Zustand = onOff(code)
	}

	if len(body) > 10 {
		if text := trimLatin1(body[5:]); len(text) > 2 && containsAlnum(text) {
			payload.MsgText = text
		}
	}
	return payload
}

func onOff(code byte) string {
	if code < 128 {
		return "On"
	}
	return "Off"
}

func decodeFeatures(body []byte) map[string]string {
	features := make(map[string]string)
	offset := 1
	for offset+3 <= len(body) {
		lSub := int(body[offset])
		tSub := body[offset+1]
		iSub := body[offset+2]
		if offset+lSub > len(body) {
			break
		}
		val := trimLatin1(body[offset+3 : offset+lSub])
		label := featureLabel(tSub)
		path := "Zweitweg"
		if iSub == 1 {
			path = "Erstweg"
		}
		features[fmt.Sprintf("%s-%s", label, path)] = val
		offset += lSub
	}
	return features
}

func featureLabel(t byte) string {
	switch t {
	case 0:
		return "MAC"
	case 1:
		return "IMEI"
	case 2:
		return "SIM-Kartennummer"
	case 3:
		return "Rufnummer"
	case 0xFF:
		return "herstellerspezifisch"
	default:
		return fmt.Sprintf("Unknown-%d", t)
	}
}

func containsAlnum(s string) bool {
	for _, c := range s {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			return true
		}
	}
	return false
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// trimLatin1 decodes body as ISO-8859-1 (a direct byte-to-rune
// mapping, since every Latin-1 code point is also a Unicode code
// point) and trims NUL padding.
func trimLatin1(body []byte) string {
	trimmed := strings.TrimRight(string(body), "\x00")
	runes := make([]rune, len(trimmed))
	for i := 0; i < len(trimmed); i++ {
		runes[i] = rune(trimmed[i])
	}
	return string(runes)
}

func emit(sink events.Sink, typ events.Type, payload any) {
	if sink == nil {
		return
	}
	sink.Emit(events.Event{Type: typ, Payload: payload})
}
