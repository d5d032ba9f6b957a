package launch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yandex/porto/internal/perr"
)

// reportOK is the single line the child writes to its report pipe once
// ConfigureChild has succeeded and it is about to exec (§4.4 "Target...
// waits for a second Ack; resets signal dispositions... execs"). Encoded
// as a line rather than the source's raw pid-padding-then-error wire
// format, since this pipeline collapsed the multi-stage socket handshake
// into one reexec'd process (see launcher.go's package doc).
const reportOK = "OK"

// encodeReportLine renders an Abort error the way the parent's
// parseReport expects: "ERR:<kind>:<errno>:<message>", with any newline
// in the message replaced by a space so the report stays one line.
func encodeReportLine(err *perr.Error) string {
	msg := strings.ReplaceAll(err.Msg, "\n", " ")
	return fmt.Sprintf("ERR:%d:%d:%s", int(err.Kind), err.Errno, msg)
}

func decodeReportLine(line string) (kind perr.Kind, errno int, msg string, ok bool) {
	if !strings.HasPrefix(line, "ERR:") {
		return 0, 0, "", false
	}
	parts := strings.SplitN(line[len("ERR:"):], ":", 3)
	if len(parts) != 3 {
		return 0, 0, "", false
	}
	k, err1 := strconv.Atoi(parts[0])
	e, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, "", false
	}
	return perr.Kind(k), e, parts[2], true
}
