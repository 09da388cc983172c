package virtionet

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ehrlich-b/go-virtionet/platform"
)

// Registry tracks attached devices by PCI function name. It is safe for
// concurrent use.
type Registry struct {
	params Params

	mu      sync.Mutex
	devices map[string]*Device // nil value: attach in progress
}

// NewRegistry returns an empty registry attaching devices with params
func NewRegistry(params Params) *Registry {
	return &Registry{
		params:  params,
		devices: make(map[string]*Device),
	}
}

// Attach attaches fn and records it under fn.Name(). A name already in
// the registry returns ErrBusy.
func (r *Registry) Attach(ctx context.Context, fn platform.Function, options *Options) (*Device, error) {
	if fn == nil {
		return nil, NewError("ATTACH", ErrCodeInvalidParameters, "no PCI function")
	}
	name := fn.Name()

	r.mu.Lock()
	if _, ok := r.devices[name]; ok {
		r.mu.Unlock()
		return nil, NewDeviceError("ATTACH", name, ErrCodeBusy, "function already attached")
	}
	r.devices[name] = nil
	r.mu.Unlock()

	dev, err := Attach(ctx, fn, r.params, options)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		delete(r.devices, name)
		return nil, err
	}
	r.devices[name] = dev
	return dev, nil
}

// Lookup returns the attached device with the given name
func (r *Registry) Lookup(name string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev := r.devices[name]
	return dev, dev != nil
}

// Detach closes the named device and forgets it
func (r *Registry) Detach(name string) error {
	r.mu.Lock()
	dev := r.devices[name]
	if dev == nil {
		r.mu.Unlock()
		return NewDeviceError("DETACH", name, ErrCodeDeviceNotFound, "function not attached")
	}
	delete(r.devices, name)
	r.mu.Unlock()

	return dev.Close()
}

// Names returns the attached function names in sorted order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.devices))
	for name, dev := range r.devices {
		if dev != nil {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Len returns the number of attached devices
func (r *Registry) Len() int {
	return len(r.Names())
}

// Close detaches every device
func (r *Registry) Close() error {
	var errs []error
	for _, name := range r.Names() {
		if err := r.Detach(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
