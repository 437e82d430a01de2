package kernel

import (
	"encoding/binary"
	"fmt"

	"hostisolation/isolation"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/google/gopacket/layers"
)

// Map and program names inside the collection. Kernel object names are
// limited to 15 characters.
const (
	mapAllowedPIDs = "allowed_pids"
	mapAllowedIPs  = "allowed_ips"
	mapStats       = "hostiso_stats"
	mapEvents      = "hostiso_events"

	progConnect = "hostiso_connect"
	progIngress = "hostiso_ingress"
	progEgress  = "hostiso_egress"

	connectSymbol = "tcp_v4_connect"
)

// Slots of the per-CPU stats array.
const (
	statPass uint32 = iota
	statDrop
	statLearned
	statLearnFailed
	statSlots
)

// statValue is the per-CPU value of hostiso_stats.
type statValue struct {
	Packets uint64
	Bytes   uint64
}

const eventRingSize = 1 << 18

// __sk_buff field offsets.
const (
	skbLen     = 0
	skbData    = 76
	skbDataEnd = 80
)

// Stack layout shared by both programs, relative to r10. The event area
// mirrors rawEvent.
const (
	stkPID      = -56
	stkOne      = -52
	stkAddr     = -48
	stkStat     = -44
	stkEvent    = -40
	stkEvTs     = stkEvent
	stkEvPID    = stkEvent + 8
	stkEvSaddr  = stkEvent + 12
	stkEvDaddr  = stkEvent + 16
	stkEvProto  = stkEvent + 20
	stkEvKind   = stkEvent + 22
	stkEvReason = stkEvent + 23
	stkEvDir    = stkEvent + 24
	eventSize   = 32
)

// Packet offsets from the start of the frame.
const (
	offEthType  = isolation.EthTypeOffset
	offIP       = isolation.EthHeaderLen
	offIPFrag   = offIP + isolation.IPv4FragOffset
	offIPProto  = offIP + isolation.IPv4ProtoOffset
	offIPSrc    = offIP + isolation.IPv4SrcOffset
	offIPDst    = offIP + isolation.IPv4DstOffset
	offIPMinEnd = offIP + isolation.IPv4MinHeaderLen
)

// NewCollectionSpec builds the maps and both hooks for one activation.
func NewCollectionSpec(cfg isolation.TableConfig) (*ebpf.CollectionSpec, error) {
	if cfg.Processes <= 0 || cfg.Addresses <= 0 {
		return nil, fmt.Errorf("table capacities must be positive (processes=%d, addresses=%d)",
			cfg.Processes, cfg.Addresses)
	}

	addrType := ebpf.Hash
	if cfg.Eviction == isolation.EvictLRU {
		addrType = ebpf.LRUHash
	}

	spec := &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			mapAllowedPIDs: {
				Name:       mapAllowedPIDs,
				Type:       ebpf.Hash,
				KeySize:    4,
				ValueSize:  4,
				MaxEntries: uint32(cfg.Processes),
			},
			mapAllowedIPs: {
				Name:       mapAllowedIPs,
				Type:       addrType,
				KeySize:    4,
				ValueSize:  4,
				MaxEntries: uint32(cfg.Addresses),
			},
			mapStats: {
				Name:       mapStats,
				Type:       ebpf.PerCPUArray,
				KeySize:    4,
				ValueSize:  uint32(binary.Size(statValue{})),
				MaxEntries: statSlots,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			progConnect: {
				Name:         progConnect,
				Type:         ebpf.Kprobe,
				AttachTo:     connectSymbol,
				Instructions: observerInstructions(cfg.Events),
				License:      "GPL",
			},
			progIngress: {
				Name:         progIngress,
				Type:         ebpf.SchedCLS,
				Instructions: classifierInstructions(isolation.Ingress, cfg.Events),
				License:      "GPL",
			},
			progEgress: {
				Name:         progEgress,
				Type:         ebpf.SchedCLS,
				Instructions: classifierInstructions(isolation.Egress, cfg.Events),
				License:      "GPL",
			},
		},
	}
	if cfg.Events {
		spec.Maps[mapEvents] = &ebpf.MapSpec{
			Name:       mapEvents,
			Type:       ebpf.RingBuf,
			MaxEntries: eventRingSize,
		}
	}
	return spec, nil
}

func classifierProgram(dir isolation.Direction) string {
	if dir == isolation.Egress {
		return progEgress
	}
	return progIngress
}

// builder assembles straight-line instruction blocks with forward labels.
type builder struct {
	insns   asm.Instructions
	events  bool
	pending string
	seq     int
}

func (b *builder) emit(insns ...asm.Instruction) {
	for _, ins := range insns {
		if b.pending != "" {
			ins = ins.WithSymbol(b.pending)
			b.pending = ""
		}
		b.insns = append(b.insns, ins)
	}
}

// mark names the next emitted instruction.
func (b *builder) mark(label string) {
	b.pending = label
}

func (b *builder) label(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s_%d", prefix, b.seq)
}

// zeroStack initializes every stack slot the helpers read.
func (b *builder) zeroStack() {
	for off := int16(stkPID); off < 0; off += 8 {
		b.emit(asm.StoreImm(asm.R10, off, 0, asm.DWord))
	}
}

// lookup leaves bpf_map_lookup_elem(mapName, r10+keyOff) in r0.
func (b *builder) lookup(mapName string, keyOff int32) {
	b.emit(
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapName),
		asm.Mov.Reg(asm.R2, asm.R10),
		asm.Add.Imm(asm.R2, keyOff),
		asm.FnMapLookupElem.Call(),
	)
}

// count bumps a stats slot. With withBytes, r6 must hold the skb.
func (b *builder) count(slot uint32, withBytes bool) {
	skip := b.label("count_done")
	b.emit(asm.StoreImm(asm.R10, stkStat, int64(slot), asm.Word))
	b.lookup(mapStats, stkStat)
	b.emit(
		asm.JEq.Imm(asm.R0, 0, skip),
		asm.LoadMem(asm.R1, asm.R0, 0, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R0, 0, asm.R1, asm.DWord),
	)
	if withBytes {
		b.emit(
			asm.LoadMem(asm.R2, asm.R6, skbLen, asm.Word),
			asm.LoadMem(asm.R1, asm.R0, 8, asm.DWord),
			asm.Add.Reg(asm.R1, asm.R2),
			asm.StoreMem(asm.R0, 8, asm.R1, asm.DWord),
		)
	}
	b.mark(skip)
	b.emit(asm.Mov.Imm(asm.R1, 0))
}

// notify stamps and submits the stack event. A full ring drops it.
func (b *builder) notify(kind isolation.EventKind) {
	if !b.events {
		return
	}
	b.emit(
		asm.StoreImm(asm.R10, stkEvKind, int64(kind), asm.Byte),
		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.R10, stkEvTs, asm.R0, asm.DWord),
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapEvents),
		asm.Mov.Reg(asm.R2, asm.R10),
		asm.Add.Imm(asm.R2, stkEvent),
		asm.Mov.Imm(asm.R3, eventSize),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnRingbufOutput.Call(),
	)
}

// reason loads the drop reason for the jump that follows.
func reason(r isolation.Reason) asm.Instruction {
	return asm.Mov.Imm(asm.R9, int32(r))
}

// observerInstructions is the tcp_v4_connect kprobe. It never changes the
// outcome of the connect call.
//
//	r6 = ctx (struct pt_regs *)
func observerInstructions(events bool) asm.Instructions {
	b := &builder{events: events}

	b.emit(asm.Mov.Reg(asm.R6, asm.R1))
	b.zeroStack()
	b.emit(asm.StoreImm(asm.R10, stkEvDir, int64(isolation.Egress), asm.Byte))

	// bpf_probe_read(&daddr, 4, &((struct sockaddr_in *)uaddr)->sin_addr)
	// leaves daddr zero when uaddr cannot be read.
	b.emit(
		asm.LoadMem(asm.R3, asm.R6, connectAddrArgOffset, asm.DWord),
		asm.Add.Imm(asm.R3, 4),
		asm.Mov.Reg(asm.R1, asm.R10),
		asm.Add.Imm(asm.R1, stkAddr),
		asm.Mov.Imm(asm.R2, 4),
		asm.FnProbeRead.Call(),
	)

	// tgid of the calling thread
	b.emit(
		asm.FnGetCurrentPidTgid.Call(),
		asm.RSh.Imm(asm.R0, 32),
		asm.StoreMem(asm.R10, stkPID, asm.R0, asm.Word),
		asm.StoreMem(asm.R10, stkEvPID, asm.R0, asm.Word),
	)

	b.lookup(mapAllowedPIDs, stkPID)
	b.emit(asm.JEq.Imm(asm.R0, 0, "exit"))

	b.lookup(mapAllowedIPs, stkAddr)
	b.emit(asm.JNE.Imm(asm.R0, 0, "exit"))

	b.emit(
		asm.StoreImm(asm.R10, stkOne, 1, asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapAllowedIPs),
		asm.Mov.Reg(asm.R2, asm.R10),
		asm.Add.Imm(asm.R2, stkAddr),
		asm.Mov.Reg(asm.R3, asm.R10),
		asm.Add.Imm(asm.R3, stkOne),
		asm.Mov.Imm(asm.R4, int32(ebpf.UpdateAny)),
		asm.FnMapUpdateElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "learned"),
	)
	b.count(statLearnFailed, false)
	b.emit(asm.Ja.Label("exit"))

	b.mark("learned")
	b.emit(
		asm.LoadMem(asm.R1, asm.R10, stkAddr, asm.Word),
		asm.StoreMem(asm.R10, stkEvDaddr, asm.R1, asm.Word),
		asm.StoreImm(asm.R10, stkEvProto, int64(isolation.EtherTypeIPv4), asm.Half),
	)
	b.count(statLearned, false)
	b.notify(isolation.EventLearned)

	b.mark("exit")
	b.emit(
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	)
	return b.insns
}

// classifierInstructions is the traffic-control classifier for one
// direction. Every path ends in the pass or drop block; r9 carries the
// drop reason.
//
//	r6 = skb, r7 = data, r8 = data_end
func classifierInstructions(dir isolation.Direction, events bool) asm.Instructions {
	b := &builder{events: events}

	peer := int16(stkEvDaddr)
	if dir == isolation.Ingress {
		peer = stkEvSaddr
	}

	b.emit(asm.Mov.Reg(asm.R6, asm.R1))
	b.zeroStack()
	b.emit(
		asm.StoreImm(asm.R10, stkEvDir, int64(dir), asm.Byte),
		asm.LoadMem(asm.R7, asm.R6, skbData, asm.Word),
		asm.LoadMem(asm.R8, asm.R6, skbDataEnd, asm.Word),
	)

	// Ethernet header
	b.emit(
		asm.Mov.Reg(asm.R2, asm.R7),
		asm.Add.Imm(asm.R2, isolation.EthHeaderLen),
		reason(isolation.ReasonTruncated),
		asm.JGT.Reg(asm.R2, asm.R8, "drop"),
		asm.LoadMem(asm.R2, asm.R7, offEthType, asm.Half),
		asm.HostTo(asm.BE, asm.R2, asm.Half),
		asm.StoreMem(asm.R10, stkEvProto, asm.R2, asm.Half),
		asm.JEq.Imm(asm.R2, int32(layers.EthernetTypeARP), "pass"),
		reason(isolation.ReasonUnsupportedProtocol),
		asm.JNE.Imm(asm.R2, int32(layers.EthernetTypeIPv4), "drop"),
	)

	// Fixed part of the IPv4 header
	b.emit(
		asm.Mov.Reg(asm.R2, asm.R7),
		asm.Add.Imm(asm.R2, offIPMinEnd),
		reason(isolation.ReasonTruncated),
		asm.JGT.Reg(asm.R2, asm.R8, "drop"),
		asm.LoadMem(asm.R2, asm.R7, offIPSrc, asm.Word),
		asm.StoreMem(asm.R10, stkEvSaddr, asm.R2, asm.Word),
		asm.LoadMem(asm.R2, asm.R7, offIPDst, asm.Word),
		asm.StoreMem(asm.R10, stkEvDaddr, asm.R2, asm.Word),
	)

	// version and ihl; r3 = end of the IPv4 header
	b.emit(
		asm.LoadMem(asm.R2, asm.R7, offIP, asm.Byte),
		asm.Mov.Reg(asm.R3, asm.R2),
		asm.RSh.Imm(asm.R3, 4),
		reason(isolation.ReasonBadVersion),
		asm.JNE.Imm(asm.R3, 4, "drop"),
		asm.And.Imm(asm.R2, 0x0f),
		asm.LSh.Imm(asm.R2, 2),
		reason(isolation.ReasonBadHeaderLength),
		asm.JLT.Imm(asm.R2, isolation.IPv4MinHeaderLen, "drop"),
		asm.Mov.Reg(asm.R3, asm.R7),
		asm.Add.Imm(asm.R3, offIP),
		asm.Add.Reg(asm.R3, asm.R2),
		asm.JGT.Reg(asm.R3, asm.R8, "drop"),
	)

	// MF flag and fragment offset
	b.emit(
		asm.LoadMem(asm.R4, asm.R7, offIPFrag, asm.Half),
		asm.HostTo(asm.BE, asm.R4, asm.Half),
		asm.And.Imm(asm.R4, isolation.IPv4FragMask),
		reason(isolation.ReasonFragment),
		asm.JNE.Imm(asm.R4, 0, "drop"),
	)

	// Transport header must be present for TCP and UDP
	b.emit(
		asm.LoadMem(asm.R4, asm.R7, offIPProto, asm.Byte),
		reason(isolation.ReasonTruncatedTransport),
		asm.JEq.Imm(asm.R4, int32(layers.IPProtocolTCP), "l4_tcp"),
		asm.JEq.Imm(asm.R4, int32(layers.IPProtocolUDP), "l4_udp"),
		asm.Ja.Label("lookup"),
	)
	b.mark("l4_tcp")
	b.emit(
		asm.Mov.Reg(asm.R5, asm.R3),
		asm.Add.Imm(asm.R5, isolation.TCPHeaderLen),
		asm.JGT.Reg(asm.R5, asm.R8, "drop"),
		asm.Ja.Label("lookup"),
	)
	b.mark("l4_udp")
	b.emit(
		asm.Mov.Reg(asm.R5, asm.R3),
		asm.Add.Imm(asm.R5, isolation.UDPHeaderLen),
		asm.JGT.Reg(asm.R5, asm.R8, "drop"),
	)

	// Learned-address lookup on the remote peer
	b.mark("lookup")
	b.emit(
		asm.LoadMem(asm.R2, asm.R10, peer, asm.Word),
		asm.StoreMem(asm.R10, stkAddr, asm.R2, asm.Word),
	)
	b.lookup(mapAllowedIPs, stkAddr)
	b.emit(
		reason(isolation.ReasonNotLearned),
		asm.JEq.Imm(asm.R0, 0, "drop"),
	)

	b.mark("pass")
	b.count(statPass, true)
	b.emit(
		asm.Mov.Imm(asm.R0, isolation.TCActUnspec),
		asm.Return(),
	)

	b.mark("drop")
	b.emit(asm.StoreMem(asm.R10, stkEvReason, asm.R9, asm.Byte))
	b.count(statDrop, true)
	b.notify(isolation.EventDrop)
	b.emit(
		asm.Mov.Imm(asm.R0, isolation.TCActShot),
		asm.Return(),
	)
	return b.insns
}
