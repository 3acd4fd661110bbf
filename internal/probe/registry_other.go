//go:build !windows

package probe

import (
	"context"
)

// readAutostartValues has no registry to read outside Windows. Persistence on other
// hosts is covered by the persistence provider.
func readAutostartValues(context.Context) ([]registryValue, error) {
	return nil, ErrUnsupported
}
