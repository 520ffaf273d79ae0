package compiler

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sbl8/graphplan/core"
	"github.com/sbl8/graphplan/model"
)

// ErrSyntax reports a malformed graph description.
var ErrSyntax = errors.New("syntax error")

// Parse builds a graph from its text description.
//
// The format is line oriented; blank lines and lines starting with '#' are
// ignored:
//
//	tensor x 8x16 f32
//	tensor w 16x32 f32
//	op matmul x w -> h
//	op transpose h -> ht perm=1,0
//	op matmul ht w2 -> y transA
//	iterate i 0 2 {
//	    op relu y{i} -> y{i+1}
//	}
//
// Outputs that were not declared with a tensor directive are created with
// the inferred shape. Inside an iterate block every {v}, {v+N} and {v-N}
// is replaced by the loop value; the range is inclusive.
func Parse(src []byte) (*model.Graph, error) {
	g, _, err := ParseWithNames(src)
	return g, err
}

// ParseWithNames is Parse that also returns the tensor name table.
func ParseWithNames(src []byte) (*model.Graph, map[string]model.TensorID, error) {
	lines := strings.Split(string(src), "\n")
	p := &dslParser{
		graph: model.NewGraph(),
		names: make(map[string]model.TensorID),
	}

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var err error
		i, err = p.parseLine(lines, i)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "line %d", i+1)
		}
	}
	return p.graph, p.names, nil
}

// ParseFile reads and parses a graph description file.
func ParseFile(path string) (*model.Graph, map[string]model.TensorID, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read graph description")
	}
	g, names, err := ParseWithNames(src)
	if err != nil {
		return nil, nil, errors.Wrap(err, path)
	}
	return g, names, nil
}

// dslParser holds the graph under construction and the tensor name table.
type dslParser struct {
	graph *model.Graph
	names map[string]model.TensorID
}

// parseLine processes a single line and returns the index of the last line consumed.
func (p *dslParser) parseLine(lines []string, idx int) (int, error) {
	fields := strings.Fields(lines[idx])

	switch fields[0] {
	case "iterate":
		return p.parseIterateBlock(lines, idx, fields)
	default:
		return idx, p.processSimpleLine(fields)
	}
}

// parseIterateBlock handles iterate constructs.
func (p *dslParser) parseIterateBlock(lines []string, idx int, fields []string) (int, error) {
	if len(fields) < 4 {
		return idx, errors.Wrapf(ErrSyntax, "invalid iterate directive: %s", strings.Join(fields, " "))
	}

	varName, start, end, err := parseIterateParams(fields)
	if err != nil {
		return idx, err
	}

	blockStart := idx
	if !strings.HasSuffix(fields[len(fields)-1], "{") {
		blockStart++
		for blockStart < len(lines) && strings.TrimSpace(lines[blockStart]) == "" {
			blockStart++
		}
		if blockStart >= len(lines) || strings.TrimSpace(lines[blockStart]) != "{" {
			return idx, errors.Wrap(ErrSyntax, "missing '{' after iterate")
		}
	}

	block, blockEnd, err := collectBlockLines(lines, blockStart)
	if err != nil {
		return idx, err
	}

	if err := p.expandIterateBlock(block, varName, start, end); err != nil {
		return idx, err
	}
	return blockEnd, nil
}

// processSimpleLine handles tensor and op directives.
func (p *dslParser) processSimpleLine(fields []string) error {
	switch fields[0] {
	case "tensor":
		return p.parseTensorLine(fields)
	case "op":
		return p.parseOpLine(fields)
	default:
		return errors.Wrapf(ErrSyntax, "unknown directive: %s", fields[0])
	}
}

// parseTensorLine declares a graph tensor: tensor <name> <dims> <dtype>.
func (p *dslParser) parseTensorLine(fields []string) error {
	if len(fields) != 4 {
		return errors.Wrap(ErrSyntax, "tensor directive needs a name, dimensions and an element type")
	}
	name := fields[1]
	if _, ok := p.names[name]; ok {
		return errors.Wrapf(ErrSyntax, "tensor %q declared twice", name)
	}
	shape, err := parseShape(fields[2])
	if err != nil {
		return err
	}
	dtype, err := core.ParseDataType(fields[3])
	if err != nil {
		return errors.Wrapf(ErrSyntax, "tensor %q: %v", name, err)
	}
	p.names[name] = p.graph.AddTensor(shape, dtype).ID()
	return nil
}

// parseOpLine adds an operator: op <kind> <inputs...> -> <output> [attrs...].
func (p *dslParser) parseOpLine(fields []string) error {
	if len(fields) < 5 {
		return errors.Wrap(ErrSyntax, "invalid op directive: needs a kind, inputs, '->' and an output")
	}
	arrow := -1
	for i, f := range fields {
		if f == "->" {
			arrow = i
			break
		}
	}
	if arrow < 3 || arrow+1 >= len(fields) {
		return errors.Wrap(ErrSyntax, "invalid op directive: expected '<inputs> -> <output>'")
	}

	ins := make([]model.TensorID, 0, arrow-2)
	for _, name := range fields[2:arrow] {
		id, ok := p.names[name]
		if !ok {
			return errors.Wrapf(ErrSyntax, "unknown tensor %q", name)
		}
		ins = append(ins, id)
	}
	outName := fields[arrow+1]
	out, known := p.names[outName]
	if !known {
		out = model.NoTensor
	}
	attrs, err := parseOpAttrs(fields[arrow+2:])
	if err != nil {
		return err
	}

	op, err := p.addOperator(strings.ToLower(fields[1]), ins, out, attrs)
	if err != nil {
		return errors.Wrapf(err, "op %s -> %s", fields[1], outName)
	}
	p.names[outName] = op.Outputs()[0]
	return nil
}

func (p *dslParser) addOperator(kind string, ins []model.TensorID, out model.TensorID, attrs opAttrs) (*model.Operator, error) {
	arity := map[string]int{"matmul": 2, "add": 2, "transpose": 1, "relu": 1}
	n, ok := arity[kind]
	if !ok {
		return nil, errors.Wrapf(ErrSyntax, "unknown operator kind %q", kind)
	}
	if len(ins) != n {
		return nil, errors.Wrapf(ErrSyntax, "%s takes %d inputs, got %d", kind, n, len(ins))
	}
	if attrs.perm != nil && kind != "transpose" {
		return nil, errors.Wrap(ErrSyntax, "perm is only valid on transpose")
	}
	if (attrs.transA || attrs.transB) && kind != "matmul" {
		return nil, errors.Wrap(ErrSyntax, "transA/transB are only valid on matmul")
	}

	switch kind {
	case "matmul":
		return p.graph.AddMatMul(ins[0], ins[1], out, attrs.transA, attrs.transB)
	case "add":
		return p.graph.AddAdd(ins[0], ins[1], out)
	case "relu":
		return p.graph.AddRelu(ins[0], out)
	default:
		if attrs.perm == nil {
			return nil, errors.Wrap(ErrSyntax, "transpose needs perm=")
		}
		return p.graph.AddTranspose(ins[0], out, attrs.perm)
	}
}

type opAttrs struct {
	transA, transB bool
	perm           []int
}

func parseOpAttrs(fields []string) (opAttrs, error) {
	var attrs opAttrs
	for _, f := range fields {
		switch {
		case f == "transA":
			attrs.transA = true
		case f == "transB":
			attrs.transB = true
		case strings.HasPrefix(f, "perm="):
			perm, err := parseInts(strings.TrimPrefix(f, "perm="), ",")
			if err != nil {
				return opAttrs{}, errors.Wrapf(ErrSyntax, "invalid perm %q: %v", f, err)
			}
			attrs.perm = perm
		default:
			return opAttrs{}, errors.Wrapf(ErrSyntax, "unknown attribute %q", f)
		}
	}
	return attrs, nil
}

// parseShape reads "8x16x4"; "scalar" is rank 0.
func parseShape(s string) (core.Shape, error) {
	if s == "scalar" {
		return core.Shape{}, nil
	}
	dims, err := parseInts(s, "x")
	if err != nil {
		return nil, errors.Wrapf(ErrSyntax, "invalid dimensions %q: %v", s, err)
	}
	for _, d := range dims {
		if d < 0 {
			return nil, errors.Wrapf(ErrSyntax, "negative dimension in %q", s)
		}
	}
	return core.Shape(dims), nil
}

func parseInts(s, sep string) ([]int, error) {
	parts := strings.Split(s, sep)
	out := make([]int, len(parts))
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// parseIterateParams extracts iterate parameters.
func parseIterateParams(fields []string) (varName string, start, end int, err error) {
	varName = fields[1]
	start, err = strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, 0, errors.Wrapf(ErrSyntax, "invalid iterate start %q", fields[2])
	}
	end, err = strconv.Atoi(strings.TrimSuffix(fields[3], "{"))
	if err != nil {
		return "", 0, 0, errors.Wrapf(ErrSyntax, "invalid iterate end %q", fields[3])
	}
	return varName, start, end, nil
}

// collectBlockLines gathers lines within braces.
func collectBlockLines(lines []string, startIdx int) ([]string, int, error) {
	var block []string
	i := startIdx + 1

	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if line == "}" {
			return block, i, nil
		}
		if line != "" && !strings.HasPrefix(line, "#") {
			block = append(block, line)
		}
		i++
	}
	return nil, i, errors.Wrap(ErrSyntax, "unterminated iterate block")
}

// expandIterateBlock processes iterate expansion.
func (p *dslParser) expandIterateBlock(block []string, varName string, start, end int) error {
	pattern := iteratePattern(varName)
	for v := start; v <= end; v++ {
		for _, line := range block {
			fields := strings.Fields(expandVariable(pattern, line, v))
			if err := p.processSimpleLine(fields); err != nil {
				return errors.Wrapf(err, "iteration %s=%d", varName, v)
			}
		}
	}
	return nil
}

// iteratePattern matches {v}, {v+N} and {v-N} for the loop variable v.
func iteratePattern(varName string) *regexp.Regexp {
	return regexp.MustCompile(`\{` + regexp.QuoteMeta(varName) + `([+-]\d+)?\}`)
}

// expandVariable replaces every placeholder matched by pattern with value
// plus its optional offset.
func expandVariable(pattern *regexp.Regexp, line string, value int) string {
	return pattern.ReplaceAllStringFunc(line, func(m string) string {
		sub := pattern.FindStringSubmatch(m)
		offset := 0
		if sub[1] != "" {
			offset, _ = strconv.Atoi(sub[1])
		}
		return strconv.Itoa(value + offset)
	})
}
