package sync

import (
	"fmt"

	"github.com/loom-mesh/mesh/pkg/mesherr"
)

func errCircuitOpen(key string) error {
	return fmt.Errorf("%w: %s", mesherr.ErrCircuitOpen, key)
}
