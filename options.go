package virtgpu

import "errors"

type optionValues struct {
	name         string
	controlQueue uint16
	cursorQueue  uint16
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.name == "" {
		return errors.New("device name must not be empty")
	}
	if o.controlQueue == o.cursorQueue {
		return errors.New("control and cursor queue indices must differ")
	}
	return nil
}

var optionDefaults = optionValues{
	name:         "virtio-gpu",
	controlQueue: controlQueueIndex,
	cursorQueue:  cursorQueueIndex,
}

// Option can be passed to [NewDevice] to influence device creation.
type Option func(*optionValues)

// WithName returns an [Option] that sets the name used in log output for
// the device.
func WithName(name string) Option {
	return func(o *optionValues) { o.name = name }
}

// WithQueueIndices returns an [Option] that overrides the virtqueue
// indices used for control commands and cursor commands. The defaults
// follow the virtio GPU device specification (queue 0 for control,
// queue 1 for cursor).
func WithQueueIndices(control, cursor uint16) Option {
	return func(o *optionValues) {
		o.controlQueue = control
		o.cursorQueue = cursor
	}
}
