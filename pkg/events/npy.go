package events

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sbinet/npyio/npy"

	"tractconv/internal/models"
)

type kind int

const (
	kindFloat kind = iota
	kindInt
	kindUint
	kindBytes
	kindUnicode
)

// Array is a decoded .npy array, flattened in C order.
type Array struct {
	Descr string
	Shape []int

	kind   kind
	floats []float64
	ints   []int64
	uints  []uint64
	strs   []string
}

// Len returns the number of elements.
func (a *Array) Len() int {
	switch a.kind {
	case kindFloat:
		return len(a.floats)
	case kindInt:
		return len(a.ints)
	case kindUint:
		return len(a.uints)
	default:
		return len(a.strs)
	}
}

// String returns element i formatted for display.
func (a *Array) String(i int) string {
	switch a.kind {
	case kindFloat:
		return strconv.FormatFloat(a.floats[i], 'f', -1, 64)
	case kindInt:
		return strconv.FormatInt(a.ints[i], 10)
	case kindUint:
		return strconv.FormatUint(a.uints[i], 10)
	default:
		return a.strs[i]
	}
}

// ReadNPY decodes a .npy stream holding a numeric, byte-string or unicode
// array. Object arrays (pickles) are rejected. The payload is read in full
// before decoding, so a short stream is ErrCorruptArray rather than zeros.
func ReadNPY(r io.Reader) (a *Array, err error) {
	defer func() {
		// npy slices the header dict by offsets and panics on malformed ones
		if p := recover(); p != nil {
			a, err = nil, fmt.Errorf("%w: malformed .npy header: %v", ErrCorruptArray, p)
		}
	}()

	var header bytes.Buffer
	hr, err := npy.NewReader(io.TeeReader(r, &header))
	if err != nil {
		return nil, headerError(err, header.Len())
	}

	descr := hr.Header.Descr
	a = &Array{Descr: descr.Type, Shape: descr.Shape}
	elem, size, err := a.dtype()
	if err != nil {
		return nil, err
	}
	if descr.Fortran && nonTrivialAxes(descr.Shape) > 1 {
		return nil, fmt.Errorf("%w: Fortran-ordered .npy arrays", models.ErrUnsupportedFormat)
	}
	count, nbytes, err := payloadSize(descr.Shape, size)
	if err != nil {
		return nil, err
	}

	var data bytes.Buffer
	if n, err := io.CopyN(&data, r, int64(nbytes)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: .npy data holds %d of %d bytes", ErrCorruptArray, n, nbytes)
		}
		return nil, models.WrapIO(err)
	}

	if a.kind == kindUnicode {
		a.strs = decodeUTF32(data.Bytes(), count, size, byteOrder(descr.Type))
		return a, nil
	}

	// Replay the header so npy decodes the buffered payload.
	dec, err := npy.NewReader(io.MultiReader(&header, &data))
	if err != nil {
		return nil, headerError(err, header.Len())
	}
	values := reflect.New(reflect.SliceOf(elem))
	if err := dec.Read(values.Interface()); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArray, err)
	}
	a.collect(values.Elem(), count)
	return a, nil
}

func headerError(err error, consumed int) error {
	switch {
	case errors.Is(err, npy.ErrInvalidNumPyFormat):
		return fmt.Errorf("%w: missing .npy magic", models.ErrUnsupportedFormat)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		if consumed < len(npy.Magic) {
			return fmt.Errorf("%w: stream too short for .npy", models.ErrUnsupportedFormat)
		}
		return fmt.Errorf("%w: truncated .npy header", ErrCorruptArray)
	default:
		return fmt.Errorf("%w: %v", models.ErrUnsupportedFormat, err)
	}
}

// dtype classifies the array and returns the Go element type npy decodes
// into and the stored width of one element in bytes.
func (a *Array) dtype() (reflect.Type, int, error) {
	elem := npy.TypeFrom(a.Descr)
	if elem == nil {
		return nil, 0, fmt.Errorf("%w: .npy dtype %q", models.ErrUnsupportedFormat, a.Descr)
	}

	switch elem.Kind() {
	case reflect.Float32, reflect.Float64:
		a.kind = kindFloat
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		a.kind = kindInt
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		a.kind = kindUint
	case reflect.String:
		n, err := strconv.Atoi(strings.Trim(a.Descr, "<>|=SaU"))
		if err != nil || n <= 0 {
			return nil, 0, fmt.Errorf("%w: .npy dtype %q", models.ErrUnsupportedFormat, a.Descr)
		}
		if strings.ContainsRune(a.Descr, 'U') {
			a.kind = kindUnicode
			return elem, 4 * n, nil
		}
		a.kind = kindBytes
		return elem, n, nil
	default:
		return nil, 0, fmt.Errorf("%w: .npy dtype %q", models.ErrUnsupportedFormat, a.Descr)
	}
	return elem, int(elem.Size()), nil
}

// payloadSize returns the element count and byte length of the data,
// rejecting shapes whose product does not fit an int.
func payloadSize(shape []int, size int) (count, nbytes int, err error) {
	count = 1
	for _, d := range shape {
		if d < 0 {
			return 0, 0, fmt.Errorf("%w: negative .npy dimension in %v", ErrCorruptArray, shape)
		}
		if d != 0 && count > math.MaxInt/d {
			return 0, 0, fmt.Errorf("%w: .npy shape %v overflows", ErrCorruptArray, shape)
		}
		count *= d
	}
	if size != 0 && count > math.MaxInt/size {
		return 0, 0, fmt.Errorf("%w: .npy shape %v of %d-byte elements overflows", ErrCorruptArray, shape, size)
	}
	return count, count * size, nil
}

// nonTrivialAxes counts axes longer than one; Fortran order only changes
// the layout when there are at least two.
func nonTrivialAxes(shape []int) int {
	n := 0
	for _, d := range shape {
		if d > 1 {
			n++
		}
	}
	return n
}

func byteOrder(descr string) binary.ByteOrder {
	if strings.HasPrefix(descr, ">") {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (a *Array) collect(v reflect.Value, count int) {
	if v.Len() < count {
		count = v.Len()
	}
	switch a.kind {
	case kindFloat:
		a.floats = make([]float64, count)
		for i := range a.floats {
			a.floats[i] = v.Index(i).Float()
		}
	case kindInt:
		a.ints = make([]int64, count)
		for i := range a.ints {
			a.ints[i] = v.Index(i).Int()
		}
	case kindUint:
		a.uints = make([]uint64, count)
		for i := range a.uints {
			a.uints[i] = v.Index(i).Uint()
		}
	case kindBytes:
		a.strs = make([]string, count)
		for i := range a.strs {
			a.strs[i] = strings.TrimRight(v.Index(i).String(), "\x00")
		}
	}
}

// decodeUTF32 splits numpy's fixed-width UCS-4 strings. npy decodes these
// bytes as UTF-8, which garbles anything outside ASCII.
func decodeUTF32(data []byte, count, size int, order binary.ByteOrder) []string {
	out := make([]string, count)
	for i := range out {
		var sb strings.Builder
		for j := 0; j < size; j += 4 {
			r := rune(order.Uint32(data[i*size+j:]))
			if r == 0 {
				break
			}
			if !utf8.ValidRune(r) {
				r = utf8.RuneError
			}
			sb.WriteRune(r)
		}
		out[i] = sb.String()
	}
	return out
}
