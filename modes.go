package occa

import (
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReferenceMode is the backend used for the structural pre-pass of translated kernels.
// It must be registered (e.g. by importing github.com/EMinsight/occa/backends/host) to build translated kernels.
const ReferenceMode = "Serial"

// ModeConstructor creates a new Backend configured with the given properties.
type ModeConstructor func(props Properties) (Backend, error)

var (
	// registeredModes maps mode names to their constructor. Protected by muModes.
	registeredModes = make(map[string]ModeConstructor)
	muModes         sync.Mutex
)

// RegisterMode registers a backend variant under the given mode name, usually during the initialization of the
// package implementing it. Registering the same name twice replaces the previous constructor.
func RegisterMode(name string, constructor ModeConstructor) {
	muModes.Lock()
	defer muModes.Unlock()
	if _, found := registeredModes[name]; found {
		klog.Warningf("mode %q registered more than once, using the last one", name)
	}
	registeredModes[name] = constructor
}

// Modes returns the sorted names of the registered modes.
func Modes() []string {
	muModes.Lock()
	defer muModes.Unlock()
	names := make([]string, 0, len(registeredModes))
	for name := range registeredModes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// lookupMode returns the constructor for the mode. Names are matched exactly first, and then case-insensitively.
func lookupMode(mode string) (ModeConstructor, bool) {
	muModes.Lock()
	defer muModes.Unlock()
	if constructor, found := registeredModes[mode]; found {
		return constructor, true
	}
	for name, constructor := range registeredModes {
		if strings.EqualFold(name, mode) {
			return constructor, true
		}
	}
	return nil, false
}

// newBackend creates the backend for the mode named in props.
func newBackend(props Properties) (Backend, error) {
	mode := props.GetString(PropMode, "")
	if mode == "" {
		return nil, invalidArgumentf("property %q not set, registered modes: %q", PropMode, Modes())
	}
	constructor, found := lookupMode(mode)
	if !found {
		return nil, invalidArgumentf("mode %q not registered, registered modes: %q", mode, Modes())
	}
	backend, err := constructor(props)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend for mode %q", mode)
	}
	klog.V(1).Infof("created backend for mode %q", backend.Mode())
	return backend, nil
}
