package elm327

import (
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/shaunagostinho/elm327-dash/internal/obd"
)

// Prompt terminates every adapter reply.
const Prompt = '>'

// errorTokens are whole-line replies that mean the adapter could not answer.
var errorTokens = map[string]bool{
	"NO DATA":           true,
	"ERROR":             true,
	"?":                 true,
	"UNABLE TO CONNECT": true,
	"STOPPED":           true,
	"BUS BUSY":          true,
	"BUS ERROR":         true,
	"BUS INIT...ERROR":  true,
	"CAN ERROR":         true,
	"DATA ERROR":        true,
	"<DATA ERROR":       true,
	"FB ERROR":          true,
	"BUFFER FULL":       true,
	"LV RESET":          true,
	"ACT ALERT":         true,
}

var voltagePattern = regexp.MustCompile(`^(\d{1,2}(?:[.,]\d{1,2})?)\s*V?$`)

// replyLines splits raw adapter output into trimmed, upper-cased lines,
// dropping blanks, the command echo and protocol search chatter.
func replyLines(raw, cmd string) []string {
	raw = strings.ReplaceAll(raw, "\n", "\r")
	echo := compact(strings.ToUpper(cmd))

	var out []string
	for _, line := range strings.Split(raw, "\r") {
		line = strings.ToUpper(strings.TrimSpace(line))
		switch {
		case line == "":
		case echo != "" && compact(line) == echo:
		case strings.HasPrefix(line, "SEARCHING"):
		default:
			out = append(out, line)
		}
	}
	return out
}

func compact(s string) string { return strings.ReplaceAll(s, " ", "") }

func isErrorToken(line string) bool {
	if errorTokens[line] {
		return true
	}
	return strings.HasPrefix(line, "BUS INIT") && strings.HasSuffix(line, "ERROR")
}

// errorReply returns the first error token in lines, or "".
func errorReply(lines []string) string {
	for _, l := range lines {
		if isErrorToken(l) {
			return l
		}
	}
	return ""
}

// parsePayload finds the reply line whose header matches spec and returns its
// first spec.Bytes data bytes. Lines for other requests are ignored, so a
// stray earlier reply cannot be decoded as this one.
func parsePayload(spec obd.Spec, raw string) ([]byte, error) {
	cmd := spec.Request()
	lines := replyLines(raw, cmd)

	var mismatched string
	for _, line := range lines {
		c := compact(line)
		if len(c) < 4 || len(c)%2 != 0 {
			continue
		}
		b, err := hex.DecodeString(c)
		if err != nil {
			continue
		}
		if b[0] != 0x40+spec.Mode || b[1] != spec.PID {
			if mismatched == "" {
				mismatched = line
			}
			continue
		}
		data := b[2:]
		if len(data) < spec.Bytes {
			return nil, &ParseError{Command: cmd, Reply: line, Reason: "short payload"}
		}
		return data[:spec.Bytes], nil
	}

	if tok := errorReply(lines); tok != "" {
		return nil, &AdapterError{Command: cmd, Reply: tok}
	}
	if mismatched != "" {
		return nil, &ParseError{Command: cmd, Reply: mismatched, Reason: "header mismatch"}
	}
	return nil, &ParseError{Command: cmd, Reply: strings.Join(lines, " "), Reason: "no payload"}
}

// parseVoltage reads the "12.6V" style answer to ATRV. A comma decimal
// separator is accepted.
func parseVoltage(raw string) (float64, error) {
	lines := replyLines(raw, obd.VoltageCommand)
	for _, line := range lines {
		m := voltagePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
		if err != nil {
			continue
		}
		return v, nil
	}
	if tok := errorReply(lines); tok != "" {
		return 0, &AdapterError{Command: obd.VoltageCommand, Reply: tok}
	}
	return 0, &ParseError{Command: obd.VoltageCommand, Reply: strings.Join(lines, " "), Reason: "no voltage"}
}

// cleanReply returns the meaningful text of a reply on one line, used for
// logging the adapter banner.
func cleanReply(raw, cmd string) string {
	return strings.Join(replyLines(raw, cmd), " ")
}
