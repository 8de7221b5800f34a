// Package codec converts typed values to and from length-prefixed binary
// frames. It is the lowest layer of the wire protocol: everything that
// crosses a worker connection is a Frame produced here.
package codec
