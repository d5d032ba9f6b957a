package volume

import "github.com/yandex/porto/internal/perr"

func errNotSupported(backend, op string) error {
	return perr.New(perr.NotSupported, "volume backend %q does not support %s", backend, op)
}
