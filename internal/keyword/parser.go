package keyword

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Parse compiles a semicolon-separated keyword program string into a
// Program. Attribute ordering within a keyword clause is irrelevant.
// The first malformed clause aborts the whole parse with a
// KeywordProgramError naming the offending keyword and token; the
// caller (the signature loader, C11) records that as a
// SignatureLoadError for the one signature, not the whole bundle.
func Parse(source string) (*Program, error) {
	clauses := splitTopLevel(source, ';')
	prog := &Program{}
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		o, err := parseClause(clause)
		if err != nil {
			return nil, err
		}
		prog.ops = append(prog.ops, o)
	}
	return prog, nil
}

// splitTopLevel splits s on sep, ignoring occurrences inside double
// quotes, so literal strings (which may contain ';' or ',') survive
// intact.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == sep && !inQuotes:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		parts = append(parts, cur.String())
	}
	return parts
}

func parseClause(clause string) (op, error) {
	name, rest, found := strings.Cut(clause, ":")
	name = strings.TrimSpace(name)
	if !found {
		rest = ""
	}
	attrs := splitAttrs(rest)

	switch name {
	case "data":
		return parseData(attrs)
	case "pcre":
		return parsePcre(attrs)
	case "length":
		return parseLength(attrs)
	case "compare":
		return parseCompare(attrs)
	case "byte_extract":
		return parseByteExtract(attrs)
	case "jump":
		return parseJump(attrs)
	case "stateop":
		return parseStateop(attrs)
	case "no_match":
		return noMatchOp{}, nil
	default:
		return nil, &KeywordProgramError{Keyword: name, Reason: "Unknown keyword"}
	}
}

// splitAttrs splits the attribute list on top-level commas.
func splitAttrs(s string) []string {
	raw := splitTopLevel(s, ',')
	attrs := make([]string, 0, len(raw))
	for _, a := range raw {
		a = strings.TrimSpace(a)
		if a != "" {
			attrs = append(attrs, a)
		}
	}
	return attrs
}

func unquote(tok string) (string, bool) {
	tok = strings.TrimSpace(tok)
	neg := false
	if strings.HasPrefix(tok, "!") {
		neg = true
		tok = strings.TrimSpace(tok[1:])
	}
	if len(tok) >= 2 && strings.HasPrefix(tok, `"`) && strings.HasSuffix(tok, `"`) {
		return tok[1 : len(tok)-1], neg
	}
	return tok, neg
}

func parseInt(tok string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(tok))
}

func parseData(attrs []string) (op, error) {
	if len(attrs) == 0 {
		return nil, &KeywordProgramError{Keyword: "data", Reason: "Invalid number of attributes"}
	}
	lit, negate := unquote(attrs[0])
	o := &dataOp{literal: []byte(lit), negate: negate}

	for _, a := range attrs[1:] {
		fields := strings.Fields(a)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "part":
			if len(fields) < 2 {
				return nil, &KeywordProgramError{Keyword: "data", Reason: "Missing 'part' value"}
			}
			o.part = fields[1]
		case "nocase":
			o.nocase = true
		case "caret":
			o.caret = true
		case "relative":
			o.relative = true
		case "offset":
			if len(fields) < 2 {
				return nil, &KeywordProgramError{Keyword: "data", Reason: "Missing 'offset' value"}
			}
			n, err := parseInt(fields[1])
			if err != nil {
				return nil, &KeywordProgramError{Keyword: "data", Token: fields[1], Reason: "Malformed 'offset'"}
			}
			o.offset = &n
		case "depth":
			if len(fields) < 2 {
				return nil, &KeywordProgramError{Keyword: "data", Reason: "Missing 'depth' value"}
			}
			n, err := parseInt(fields[1])
			if err != nil {
				return nil, &KeywordProgramError{Keyword: "data", Token: fields[1], Reason: "Malformed 'depth'"}
			}
			o.depth = &n
		default:
			return nil, &KeywordProgramError{Keyword: "data", Token: fields[0], Reason: "Unknown attribute"}
		}
	}
	return o, nil
}

// pcreLiteral splits "/regex/flags" into its regex body and flag
// chars. 'i' maps to case-insensitivity, 'R' to relative (matching
// the original source's flag semantics, equivalent to the explicit
// `relative` attribute).
func pcreLiteral(lit string) (body, flags string, err error) {
	if len(lit) < 2 || lit[0] != '/' {
		return "", "", fmt.Errorf("malformed pcre literal %q", lit)
	}
	end := strings.LastIndexByte(lit, '/')
	if end <= 0 {
		return "", "", fmt.Errorf("malformed pcre literal %q", lit)
	}
	return lit[1:end], lit[end+1:], nil
}

func parsePcre(attrs []string) (op, error) {
	if len(attrs) == 0 {
		return nil, &KeywordProgramError{Keyword: "pcre", Reason: "Invalid number of attributes"}
	}
	lit, negate := unquote(attrs[0])
	body, flags, err := pcreLiteral(lit)
	if err != nil {
		return nil, &KeywordProgramError{Keyword: "pcre", Token: lit, Reason: "Malformed regex literal"}
	}

	o := &pcreOp{negate: negate}
	nocase := strings.Contains(flags, "i")
	if strings.Contains(flags, "R") {
		o.relative = true
	}

	for _, a := range attrs[1:] {
		fields := strings.Fields(a)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "part":
			if len(fields) >= 2 {
				o.part = fields[1]
			}
		case "relative":
			o.relative = true
		case "nocase":
			nocase = true
		case "offset":
			if len(fields) < 2 {
				return nil, &KeywordProgramError{Keyword: "pcre", Reason: "Missing 'offset' value"}
			}
			n, err := parseInt(fields[1])
			if err != nil {
				return nil, &KeywordProgramError{Keyword: "pcre", Token: fields[1], Reason: "Malformed 'offset'"}
			}
			o.offset = &n
		case "depth":
			if len(fields) < 2 {
				return nil, &KeywordProgramError{Keyword: "pcre", Reason: "Missing 'depth' value"}
			}
			n, err := parseInt(fields[1])
			if err != nil {
				return nil, &KeywordProgramError{Keyword: "pcre", Token: fields[1], Reason: "Malformed 'depth'"}
			}
			o.depth = &n
		default:
			return nil, &KeywordProgramError{Keyword: "pcre", Token: fields[0], Reason: "Unknown attribute"}
		}
	}

	if nocase {
		body = "(?i)" + body
	}
	re, err := regexp.Compile(body)
	if err != nil {
		return nil, &KeywordProgramError{Keyword: "pcre", Token: body, Reason: "Invalid regular expression"}
	}
	o.re = re
	return o, nil
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func parseLength(attrs []string) (op, error) {
	if len(attrs) == 0 {
		return nil, &KeywordProgramError{Keyword: "length", Reason: "Invalid number of attributes"}
	}
	first := strings.TrimSpace(attrs[0])

	if n, err := parseInt(first); err == nil {
		// Second form: length: N, {min|max|exact}, part CTX
		o := &lengthCompareOp{n: int64(n)}
		for _, a := range attrs[1:] {
			fields := strings.Fields(a)
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "min", "max", "exact":
				o.mode = fields[0]
			case "part":
				if len(fields) >= 2 {
					o.part = fields[1]
				}
			default:
				return nil, &KeywordProgramError{Keyword: "length", Token: fields[0], Reason: "Unknown attribute"}
			}
		}
		return o, nil
	}

	// First form: length: name[, part CTX][, relative]
	if first == "relative" || first == "part" {
		return nil, &KeywordProgramError{Keyword: "length", Token: first, Reason: "cannot be the variable name"}
	}
	if !identifierRe.MatchString(first) {
		return nil, &KeywordProgramError{Keyword: "length", Token: first, Reason: "Malformed variable name"}
	}
	o := &lengthAssignOp{varName: first}
	for _, a := range attrs[1:] {
		fields := strings.Fields(a)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "relative":
			o.relative = true
		case "part":
			if len(fields) >= 2 {
				o.part = fields[1]
			}
		default:
			return nil, &KeywordProgramError{Keyword: "length", Token: fields[0], Reason: "Unknown attribute"}
		}
	}
	return o, nil
}

func parseOperand(tok string) compareOperand {
	tok = strings.TrimSpace(tok)
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return compareOperand{isConst: true, value: n}
	}
	return compareOperand{varName: tok}
}

func parseCompare(attrs []string) (op, error) {
	if len(attrs) != 3 {
		return nil, &KeywordProgramError{Keyword: "compare", Reason: "Invalid number of attributes"}
	}
	opStr := strings.TrimSpace(attrs[1])
	switch opStr {
	case "=", "!=", "<", "<=", ">", ">=":
	default:
		return nil, &KeywordProgramError{Keyword: "compare", Token: opStr, Reason: "Unknown comparison operator"}
	}
	return &compareOp{
		a:  parseOperand(attrs[0]),
		op: opStr,
		b:  parseOperand(attrs[2]),
	}, nil
}

func parseByteExtract(attrs []string) (op, error) {
	if len(attrs) < 2 {
		return nil, &KeywordProgramError{Keyword: "byte_extract", Reason: "Invalid number of attributes"}
	}
	o := &byteExtractOp{}

	bytesTok := strings.TrimSpace(attrs[0])
	if n, err := parseInt(bytesTok); err == nil {
		if n == 0 {
			return nil, &KeywordProgramError{Keyword: "byte_extract", Reason: "Number of bytes is zero"}
		}
		o.bytesConst = n
	} else {
		o.bytesVar = bytesTok
	}

	varTok := strings.TrimSpace(attrs[1])
	if varTok == "align" {
		return nil, &KeywordProgramError{Keyword: "byte_extract", Token: varTok, Reason: "cannot be the variable name"}
	}
	if !identifierRe.MatchString(varTok) {
		return nil, &KeywordProgramError{Keyword: "byte_extract", Token: varTok, Reason: "Malformed variable name"}
	}
	o.varName = varTok

	for _, a := range attrs[2:] {
		fields := strings.Fields(a)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "string":
			if len(fields) < 2 {
				return nil, &KeywordProgramError{Keyword: "byte_extract", Reason: "Malformed data type"}
			}
			switch fields[1] {
			case "dec", "hex", "oct":
				o.stringMode = fields[1]
			default:
				return nil, &KeywordProgramError{Keyword: "byte_extract", Token: fields[1], Reason: "Unknown data type"}
			}
		case "offset":
			if len(fields) < 2 {
				return nil, &KeywordProgramError{Keyword: "byte_extract", Reason: "Malformed offset'"}
			}
			n, err := parseInt(fields[1])
			if err != nil {
				return nil, &KeywordProgramError{Keyword: "byte_extract", Token: fields[1], Reason: "Malformed constant"}
			}
			o.offset = &n
		case "relative":
			o.relative = true
		case "align":
			if len(fields) < 2 {
				return nil, &KeywordProgramError{Keyword: "byte_extract", Reason: "Malformed 'align'"}
			}
			n, err := parseInt(fields[1])
			if err != nil || (n != 2 && n != 4) {
				return nil, &KeywordProgramError{Keyword: "byte_extract", Token: fields[1], Reason: "Unknown 'align'"}
			}
			o.align = &n
		case "little_endian":
			o.littleEnd = true
		case "part":
			if len(fields) >= 2 {
				o.part = fields[1]
			}
		default:
			return nil, &KeywordProgramError{Keyword: "byte_extract", Token: fields[0], Reason: "Unknown attribute"}
		}
	}

	if o.bytesConst == 0 && o.stringMode == "" {
		return nil, &KeywordProgramError{Keyword: "byte_extract", Reason: "Data type is binary, but the 'bytes' is not constant"}
	}
	if o.littleEnd && o.stringMode != "" {
		return nil, &KeywordProgramError{Keyword: "byte_extract", Reason: "Little endian is set, but the data type is not binary"}
	}
	if o.littleEnd && o.bytesConst != 2 && o.bytesConst != 4 {
		return nil, &KeywordProgramError{Keyword: "byte_extract", Reason: "Little endian is set, but the number of bytes is invalid"}
	}
	if o.align != nil && o.stringMode == "" {
		return nil, &KeywordProgramError{Keyword: "byte_extract", Reason: "The 'align' is set and data type is binary"}
	}
	return o, nil
}

func parseJump(attrs []string) (op, error) {
	if len(attrs) < 2 {
		return nil, &KeywordProgramError{Keyword: "jump", Reason: "Invalid number of attributes"}
	}
	n, err := parseInt(attrs[0])
	if err != nil {
		return nil, &KeywordProgramError{Keyword: "jump", Token: attrs[0], Reason: "Malformed jumping value"}
	}
	o := &jumpOp{n: n}

	switch strings.TrimSpace(attrs[1]) {
	case "from_beginning":
		o.from = jumpFromBeginning
	case "from_end":
		o.from = jumpFromEnd
	case "relative":
		o.from = jumpRelative
	default:
		return nil, &KeywordProgramError{Keyword: "jump", Token: attrs[1], Reason: "Unknown jumping 'from' parameter"}
	}

	for _, a := range attrs[2:] {
		fields := strings.Fields(a)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "align":
			if len(fields) < 2 {
				return nil, &KeywordProgramError{Keyword: "jump", Reason: "Malformed 'align'"}
			}
			n, err := parseInt(fields[1])
			if err != nil || (n != 2 && n != 4) {
				return nil, &KeywordProgramError{Keyword: "jump", Token: fields[1], Reason: "Unknown 'align'"}
			}
			o.align = &n
		case "part":
			if len(fields) >= 2 {
				o.part = fields[1]
			}
		default:
			return nil, &KeywordProgramError{Keyword: "jump", Token: fields[0], Reason: "Unknown attribute"}
		}
	}
	return o, nil
}

func parseStateop(attrs []string) (op, error) {
	if len(attrs) != 2 {
		return nil, &KeywordProgramError{Keyword: "stateop", Reason: "Invalid number of attributes"}
	}
	fields := strings.Fields(attrs[0])
	if len(fields) != 2 || fields[0] != "state" {
		return nil, &KeywordProgramError{Keyword: "stateop", Token: attrs[0], Reason: "Malformed state name"}
	}
	o := &stateOp{name: fields[1]}
	switch strings.TrimSpace(attrs[1]) {
	case "set":
		o.kind = stateSet
	case "unset":
		o.kind = stateUnset
	case "isset":
		o.kind = stateIsSet
	default:
		return nil, &KeywordProgramError{Keyword: "stateop", Token: attrs[1], Reason: "Unknown stateop mode"}
	}
	return o, nil
}
