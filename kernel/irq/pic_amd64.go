package irq

import "github.com/Lon60/slopos-sub001/kernel/cpu"

// Legacy 8259A programmable interrupt controller ports.
const (
	picPrimaryCmd    = uint16(0x20)
	picPrimaryData   = uint16(0x21)
	picSecondaryCmd  = uint16(0xa0)
	picSecondaryData = uint16(0xa1)

	picCmdInit  = uint8(0x11)
	picCmdEOI   = uint8(0x20)
	picMode8086 = uint8(0x01)
)

// portWriteByteFn and portReadByteFn are mocked by tests and are
// automatically inlined by the compiler.
var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// RemapPIC reprograms the legacy controller pair so IRQs 0-15 arrive on
// vectors [IRQBase, IRQBase+16) instead of colliding with the CPU
// exception vectors, then masks every line. Callers unmask the lines they
// actually service via UnmaskIRQ.
func RemapPIC() {
	portWriteByteFn(picPrimaryCmd, picCmdInit)
	portWriteByteFn(picSecondaryCmd, picCmdInit)
	portWriteByteFn(picPrimaryData, IRQBase)
	portWriteByteFn(picSecondaryData, IRQBase+8)
	portWriteByteFn(picPrimaryData, 0x04) // secondary on line 2
	portWriteByteFn(picSecondaryData, 0x02)
	portWriteByteFn(picPrimaryData, picMode8086)
	portWriteByteFn(picSecondaryData, picMode8086)

	MaskPIC()
}

// MaskPIC masks every line on both legacy controllers.
func MaskPIC() {
	portWriteByteFn(picPrimaryData, 0xff)
	portWriteByteFn(picSecondaryData, 0xff)
}

// UnmaskIRQ enables delivery of the given interrupt line. Lines 8-15 also
// require line 2 (the cascade) to be unmasked on the primary controller.
func UnmaskIRQ(irqNum IRQNum) {
	if irqNum >= irqCount {
		return
	}

	if irqNum < 8 {
		mask := portReadByteFn(picPrimaryData)
		portWriteByteFn(picPrimaryData, mask&^(1<<irqNum))
		return
	}

	mask := portReadByteFn(picSecondaryData)
	portWriteByteFn(picSecondaryData, mask&^(1<<(irqNum-8)))

	cascade := portReadByteFn(picPrimaryData)
	portWriteByteFn(picPrimaryData, cascade&^(1<<2))
}

// SendEOI acknowledges an in-service interrupt on the controller(s) that
// routed it. Lines 8-15 require an acknowledgement on both controllers.
func SendEOI(irqNum IRQNum) {
	if irqNum >= 8 {
		portWriteByteFn(picSecondaryCmd, picCmdEOI)
	}
	portWriteByteFn(picPrimaryCmd, picCmdEOI)
}
