package launch

import (
	"encoding/json"
	"os"

	"github.com/yandex/porto/internal/taskenv"
)

// encodeEnvToTempFile serializes env as JSON into an unlinked-after-use
// temp file, passed to the reexec'd child on fd 3. JSON rather than a
// third-party wire codec: this is a same-host, same-binary handoff
// between two processes of this daemon, not a network or persisted
// format, so there is nothing a schema-driven codec would buy here (see
// DESIGN.md).
func encodeEnvToTempFile(env *taskenv.TaskEnv) (*os.File, error) {
	f, err := os.CreateTemp("", "porto-taskenv-*.json")
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(env); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return f, nil
}

func decodeEnvFromFile(f *os.File) (*taskenv.TaskEnv, error) {
	var env taskenv.TaskEnv
	dec := json.NewDecoder(f)
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}
