package keyword

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

type dataOp struct {
	literal  []byte
	nocase   bool
	part     string
	offset   *int
	depth    *int
	caret    bool
	relative bool
	negate   bool
}

func (o *dataOp) exec(s *state) bool {
	buf, ok := s.buffer(o.part)
	if !ok {
		return false
	}

	start := 0
	switch {
	case o.relative:
		start = s.cursor
	case o.offset != nil:
		start = resolveOffset(*o.offset, len(buf))
	}
	if start < 0 {
		start = 0
	}
	if start > len(buf) {
		return o.negate
	}

	end := len(buf)
	if o.depth != nil {
		capped := start + *o.depth
		if capped < end {
			end = capped
		}
	}
	window := buf[start:end]

	idx := indexOf(window, o.literal, o.nocase)
	found := idx >= 0
	if o.caret {
		found = found && idx == 0
	}

	result := found
	if o.negate {
		result = !found
	}
	if !result {
		return false
	}

	if found && !o.negate {
		matchEnd := start + idx + len(o.literal)
		s.cursor = matchEnd
		s.hasLastMatch = true
		if o.part != "" {
			s.currentContext = o.part
		}
	}
	return true
}

func indexOf(haystack, needle []byte, nocase bool) int {
	if !nocase {
		return bytes.Index(haystack, needle)
	}
	return bytes.Index(bytes.ToLower(haystack), bytes.ToLower(needle))
}

// resolveOffset turns an offset attribute into an absolute buffer
// position: non-negative offsets are measured from the start,
// negative offsets are measured from the end (mirroring the
// byte_extract offset boundary tests in keywords_ut.cc).
func resolveOffset(offset, length int) int {
	if offset < 0 {
		pos := length + offset
		if pos < 0 {
			return 0
		}
		return pos
	}
	return offset
}

type pcreOp struct {
	re       *regexp.Regexp
	part     string
	offset   *int
	depth    *int
	relative bool
	negate   bool
}

func (o *pcreOp) exec(s *state) bool {
	buf, ok := s.buffer(o.part)
	if !ok {
		return false
	}

	start := 0
	switch {
	case o.relative:
		start = s.cursor
	case o.offset != nil:
		start = resolveOffset(*o.offset, len(buf))
	}
	if start < 0 {
		start = 0
	}
	if start > len(buf) {
		return o.negate
	}

	end := len(buf)
	if o.depth != nil {
		capped := start + *o.depth
		if capped < end {
			end = capped
		}
	}
	window := buf[start:end]

	loc := o.re.FindIndex(window)
	found := loc != nil

	result := found
	if o.negate {
		result = !found
	}
	if !result {
		return false
	}

	if found && !o.negate {
		s.cursor = start + loc[1]
		s.hasLastMatch = true
		if o.part != "" {
			s.currentContext = o.part
		}
	}
	return true
}

type lengthAssignOp struct {
	varName  string
	part     string
	relative bool
}

func (o *lengthAssignOp) exec(s *state) bool {
	buf, ok := s.buffer(o.part)
	if !ok {
		return false
	}
	var length int
	if o.relative {
		if s.cursor <= len(buf) {
			length = len(buf) - s.cursor
		}
	} else {
		length = len(buf)
	}
	s.vars.SetVar(o.varName, int64(length))
	if o.part != "" {
		s.currentContext = o.part
	}
	return true
}

type lengthCompareOp struct {
	n    int64
	mode string // min, max, exact
	part string
}

func (o *lengthCompareOp) exec(s *state) bool {
	buf, ok := s.buffer(o.part)
	if !ok {
		return false
	}
	length := int64(len(buf))
	switch o.mode {
	case "min":
		return length >= o.n
	case "max":
		return length <= o.n
	case "exact":
		return length == o.n
	}
	return false
}

type compareOperand struct {
	isConst bool
	value   int64
	varName string
}

func (op compareOperand) resolve(vars VarStore) (int64, bool) {
	if op.isConst {
		return op.value, true
	}
	return vars.GetVar(op.varName)
}

type compareOp struct {
	a  compareOperand
	op string
	b  compareOperand
}

func (o *compareOp) exec(s *state) bool {
	a, ok := o.a.resolve(s.vars)
	if !ok {
		return false
	}
	b, ok := o.b.resolve(s.vars)
	if !ok {
		return false
	}
	switch o.op {
	case "=":
		return a == b
	case "!=":
		return a != b
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

type byteExtractOp struct {
	bytesConst int
	bytesVar   string // used when bytesConst == 0 and bytesVar != ""
	varName    string
	stringMode string // "", "dec", "hex", "oct" ("" = raw binary)
	offset     *int
	relative   bool
	align      *int
	littleEnd  bool
	part       string
}

func (o *byteExtractOp) exec(s *state) bool {
	buf, ok := s.buffer(o.part)
	if !ok {
		return false
	}

	n := o.bytesConst
	if n == 0 && o.bytesVar != "" {
		v, ok := s.vars.GetVar(o.bytesVar)
		if !ok {
			return false
		}
		n = int(v)
	}
	if n <= 0 {
		return false
	}

	pos := 0
	if o.relative {
		pos = s.cursor
	}
	if o.offset != nil {
		if o.relative {
			pos += *o.offset
		} else {
			pos = resolveOffset(*o.offset, len(buf))
		}
	}
	if o.align != nil {
		pos = alignUp(pos, *o.align)
	}
	if pos < 0 || pos+n > len(buf) {
		return false
	}
	raw := buf[pos : pos+n]

	var value int64
	if o.stringMode != "" {
		base := 10
		switch o.stringMode {
		case "hex":
			base = 16
		case "oct":
			base = 8
		}
		parsed, err := strconv.ParseInt(strings.TrimSpace(string(raw)), base, 64)
		if err != nil {
			return false
		}
		value = parsed
	} else if o.littleEnd {
		if n != 2 && n != 4 {
			return false
		}
		value = decodeLittleEndian(raw)
	} else {
		// More than 8 bytes, or 8 bytes with the top bit set, do not
		// fit in an int64: treat as overflow.
		if n > 8 || (n == 8 && raw[0]&0x80 != 0) {
			return false
		}
		value = decodeBigEndian(raw)
	}

	s.vars.SetVar(o.varName, value)
	if o.part != "" {
		s.currentContext = o.part
	}
	return true
}

func decodeBigEndian(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

func decodeLittleEndian(b []byte) int64 {
	var v int64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | int64(b[i])
	}
	return v
}

func alignUp(pos, align int) int {
	if align <= 0 {
		return pos
	}
	if r := pos % align; r != 0 {
		return pos + (align - r)
	}
	return pos
}

type jumpFrom int

const (
	jumpFromBeginning jumpFrom = iota
	jumpFromEnd
	jumpRelative
)

type jumpOp struct {
	n     int
	from  jumpFrom
	align *int
	part  string
}

func (o *jumpOp) exec(s *state) bool {
	buf, ok := s.buffer(o.part)
	if !ok {
		return false
	}
	length := len(buf)

	var pos int
	switch o.from {
	case jumpFromBeginning:
		if o.n == -1 {
			pos = length
		} else if o.n < 0 {
			return false
		} else {
			pos = o.n
		}
	case jumpFromEnd:
		if o.n > 0 {
			return false
		}
		pos = length + o.n
		if pos < 0 {
			pos = 0
		}
	case jumpRelative:
		pos = s.cursor + o.n
	}

	if o.align != nil {
		pos = alignUp(pos, *o.align)
	}
	if pos < 0 || pos > length {
		return false
	}
	s.cursor = pos
	if o.part != "" {
		s.currentContext = o.part
	}
	return true
}

type stateOpKind int

const (
	stateSet stateOpKind = iota
	stateUnset
	stateIsSet
)

type stateOp struct {
	name string
	kind stateOpKind
}

func (o *stateOp) exec(s *state) bool {
	switch o.kind {
	case stateSet:
		s.flags.SetFlag(o.name)
		return true
	case stateUnset:
		s.flags.UnsetFlag(o.name)
		return true
	case stateIsSet:
		return s.flags.IsFlagSet(o.name)
	}
	return false
}

type noMatchOp struct{}

func (noMatchOp) exec(*state) bool { return false }
