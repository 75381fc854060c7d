/*
Package poll is the query planner and value codec of the engine: the
layer between user-visible channels and raw protocol transports.

A configuration describes ports, devices and channels. Each channel
(virtual register) is a logical value bound to a contiguous bit range
across one or more memory blocks, the protocol's smallest addressable
units. This package turns that declarative view into minimal wire
traffic:

  - memory blocks are deduplicated per device and shared between
    channels, with overlap detection at association time
  - the query factory groups blocks into bulk reads and writes,
    merging adjacent blocks while honoring per-protocol and per-device
    limits on request size and address holes
  - the value codec scatters and gathers channel values bit-exactly
    between a 64-bit logical value and the blocks' wire images,
    honoring word order and partial coverage; partially covered
    writable blocks keep a cached image so partial writes never
    clobber unaddressed bits
  - each channel tracks read/dirty/changed/error state for the publish
    front-end

The package performs no I/O itself: it produces query objects that a
protocol driver executes inline on the port's worker goroutine.
*/
package poll
