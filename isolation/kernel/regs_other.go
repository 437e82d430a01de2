//go:build !amd64 && !arm64

package kernel

const connectAddrArgOffset = 0

const archSupported = false
