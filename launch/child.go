package launch

import (
	"os"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"github.com/yandex/porto/internal/perr"
)

func init() {
	reexec.Register(reexecName, childMain)
}

// configFD and reportFD are the ExtraFiles slots Launch.Launch wires up:
// fd 3 is the JSON-encoded TaskEnv, fd 4 is the report pipe (§4.4 "Target:
// waits on an Ack from helper; then does ConfigureChild").
const (
	configFD = 3
	reportFD = 4
)

// childMain is the reexec'd entry point: the "target" stage of §4.4. It
// never returns on success (execve replaces the image); on failure it
// reports the error and exits 1, the Go equivalent of Abort(error).
func childMain() {
	configFile := os.NewFile(configFD, "porto-taskenv")
	reportFile := os.NewFile(reportFD, "porto-report")

	env, err := decodeEnvFromFile(configFile)
	if err != nil {
		abort(reportFile, perr.Wrap(perr.Unknown, err, "launch: decode task env"))
		return
	}
	configFile.Close()

	if err := ConfigureChild(env); err != nil {
		abort(reportFile, err)
		return
	}

	if _, err := reportFile.WriteString(reportOK + "\n"); err != nil {
		// Parent already gone or pipe closed: nothing left to report to,
		// fall through to exec anyway since configuration succeeded.
	}
	reportFile.Close()

	if err := unix.Exec(env.Command[0], env.Command, env.Env); err != nil {
		// exec failed after we already said OK; nothing left to tell the
		// parent over the closed pipe, so this is fatal to the child.
		os.Exit(127)
	}
}

// abort reports err on the child's report pipe and exits, the Go
// analogue of TTask::Abort (§4.4 "Error relay discipline").
func abort(reportFile *os.File, err error) {
	pe, ok := err.(*perr.Error)
	if !ok {
		pe = &perr.Error{Kind: perr.Unknown, Msg: err.Error()}
	}
	reportFile.WriteString(encodeReportLine(pe) + "\n")
	reportFile.Close()
	os.Exit(1)
}
