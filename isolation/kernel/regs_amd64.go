package kernel

// Offset of the second argument (si) in struct pt_regs.
const connectAddrArgOffset = 104

const archSupported = true
