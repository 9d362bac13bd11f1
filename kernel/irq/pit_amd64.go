package irq

// Programmable interval timer ports and constants.
const (
	pitChannel0 = uint16(0x40)
	pitCommand  = uint16(0x43)

	// pitCmdRateGenerator selects channel 0, lobyte/hibyte access and
	// mode 2 (rate generator).
	pitCmdRateGenerator = uint8(0x34)

	// pitInputHz is the fixed input clock the PIT divides down from.
	pitInputHz = uint32(1193182)
)

// StartTimer programs the interval timer to fire TimerIRQ at approximately
// hz ticks per second and unmasks the timer line. The divisor is clamped
// to the PIT's 16-bit range, bounding hz to [19, 1193182].
func StartTimer(hz uint32) {
	if hz == 0 {
		return
	}

	divisor := pitInputHz / hz
	if divisor == 0 {
		divisor = 1
	} else if divisor > 0xffff {
		divisor = 0xffff
	}

	portWriteByteFn(pitCommand, pitCmdRateGenerator)
	portWriteByteFn(pitChannel0, uint8(divisor&0xff))
	portWriteByteFn(pitChannel0, uint8(divisor>>8))

	UnmaskIRQ(TimerIRQ)
}
