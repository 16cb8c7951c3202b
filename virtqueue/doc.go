// Package virtqueue implements the driver side of a virtio split
// virtqueue as described by the virtio specification, version 1.2.
//
// A split virtqueue consists of three parts: the descriptor table, the
// available ring and the used ring. Each part is writable by either the
// driver or the device, but never both. The driver describes buffers in
// the descriptor table, offers descriptor chains to the device through
// the available ring and receives completed chains back through the
// used ring.
//
// The whole queue lives in one manually allocated memory region so that
// a device sharing the address space (or receiving the addresses of the
// parts) can access it directly and the garbage collector never moves
// or frees it while the device still uses it.
package virtqueue
