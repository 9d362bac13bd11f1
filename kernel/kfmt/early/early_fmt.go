// Package early implements the formatted-output routine the kernel
// relies on before (and below) the Go runtime: at the points it is
// called the allocator may not exist yet, so every code path in this
// package is written to avoid allocation — strings are emitted byte by
// byte, numbers are rendered into a fixed on-stack buffer and argument
// types are matched with explicit type switches instead of reflection.
package early

import "github.com/Lon60/slopos-sub001/kernel/hal"

// Printf renders format into hal.ActiveSink. The verb set is the subset
// the kernel actually needs:
//
//	%s  string or []byte
//	%d  integer, base 10
//	%o  integer, base 8
//	%x  integer, base 16, lower-case
//	%t  boolean, rendered as true/false
//
// A decimal width may precede the verb ("%16x"). Values shorter than the
// width are padded on the left: with zeroes for %x (so register dumps
// line up) and with spaces for the other verbs except %t, which ignores the
// width. %% emits a literal '%'.
//
// Mismatches never panic; they leave a marker in the output instead:
// %!(NOVERB) for a missing or unknown verb, %!(MISSING) when the
// arguments run out, %!(BADTYPE) for an argument the verb cannot render
// and %!(EXTRA) for leftover arguments.
func Printf(format string, args ...interface{}) {
	nextArg := 0

	for i := 0; i < len(format); {
		if format[i] != '%' {
			hal.ActiveSink.WriteByte(format[i])
			i++
			continue
		}

		i++ // consume '%'
		if i < len(format) && format[i] == '%' {
			hal.ActiveSink.WriteByte('%')
			i++
			continue
		}

		width := 0
		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			emitMarker(markNoVerb)
			break
		}
		verb := format[i]
		i++

		if nextArg == len(args) {
			emitMarker(markMissing)
			continue
		}
		arg := args[nextArg]
		nextArg++

		emitArg(verb, width, arg)
	}

	if nextArg < len(args) {
		emitMarker(markExtra)
	}
}

// Output markers for malformed format/argument combinations.
const (
	markNoVerb  = "%!(NOVERB)"
	markMissing = "%!(MISSING)"
	markBadType = "%!(BADTYPE)"
	markExtra   = "%!(EXTRA)"
)

const digitSet = "0123456789abcdef"

// emitArg renders one argument according to its verb.
func emitArg(verb byte, width int, arg interface{}) {
	switch verb {
	case 'd':
		emitNum(arg, 10, width)
	case 'o':
		emitNum(arg, 8, width)
	case 'x':
		emitNum(arg, 16, width)
	case 's':
		emitText(arg, width)
	case 't':
		emitBool(arg)
	default:
		emitMarker(markNoVerb)
	}
}

// emitMarker writes a marker string byte-wise.
func emitMarker(marker string) {
	for i := 0; i < len(marker); i++ {
		hal.ActiveSink.WriteByte(marker[i])
	}
}

// emitPadding writes count copies of fill; a non-positive count writes
// nothing.
func emitPadding(count int, fill byte) {
	for ; count > 0; count-- {
		hal.ActiveSink.WriteByte(fill)
	}
}

// emitText renders %s arguments, left-padding short values with spaces.
func emitText(arg interface{}, width int) {
	switch v := arg.(type) {
	case string:
		emitPadding(width-len(v), ' ')
		for i := 0; i < len(v); i++ {
			hal.ActiveSink.WriteByte(v[i])
		}
	case []byte:
		emitPadding(width-len(v), ' ')
		for _, b := range v {
			hal.ActiveSink.WriteByte(b)
		}
	default:
		emitMarker(markBadType)
	}
}

// emitBool renders %t arguments.
func emitBool(arg interface{}) {
	v, isBool := arg.(bool)
	switch {
	case !isBool:
		emitMarker(markBadType)
	case v:
		emitMarker("true")
	default:
		emitMarker("false")
	}
}

// emitNum renders an integer argument in the requested base. Hex output
// zero-pads to the width so fixed-width dumps column-align; other bases
// space-pad the way the standard library does.
func emitNum(arg interface{}, base int, width int) {
	magnitude, negative, isInt := intValue(arg)
	if !isInt {
		emitMarker(markBadType)
		return
	}

	// Render the digits backwards into a buffer big enough for a 64-bit
	// value in the smallest base, plus a sign.
	var buf [23]byte
	pos := len(buf)
	for {
		pos--
		buf[pos] = digitSet[magnitude%uint64(base)]
		magnitude /= uint64(base)
		if magnitude == 0 {
			break
		}
	}
	if negative {
		pos--
		buf[pos] = '-'
	}

	fill := byte(' ')
	if base == 16 {
		fill = '0'
	}
	emitPadding(width-(len(buf)-pos), fill)
	for ; pos < len(buf); pos++ {
		hal.ActiveSink.WriteByte(buf[pos])
	}
}

// intValue coerces any built-in integer type to a magnitude plus sign.
// The negation of a signed minimum value is performed in two steps so it
// cannot overflow.
func intValue(arg interface{}) (magnitude uint64, negative bool, isInt bool) {
	switch v := arg.(type) {
	case uint8:
		return uint64(v), false, true
	case uint16:
		return uint64(v), false, true
	case uint32:
		return uint64(v), false, true
	case uint64:
		return v, false, true
	case uint:
		return uint64(v), false, true
	case uintptr:
		return uint64(v), false, true
	case int8:
		return signed(int64(v))
	case int16:
		return signed(int64(v))
	case int32:
		return signed(int64(v))
	case int64:
		return signed(v)
	case int:
		return signed(int64(v))
	}
	return 0, false, false
}

func signed(v int64) (uint64, bool, bool) {
	if v < 0 {
		return uint64(-(v + 1)) + 1, true, true
	}
	return uint64(v), false, true
}
