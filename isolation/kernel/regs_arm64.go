package kernel

// Offset of the second argument (regs[1]) in struct user_pt_regs.
const connectAddrArgOffset = 8

const archSupported = true
