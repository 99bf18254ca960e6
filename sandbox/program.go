package sandbox

// Program is a compiled sandboxed body: a directive's executable source or
// an instruction's optional simulator semantics, parsed once at ISA load
// time into a bounded statement list. It satisfies isa.Program's
// Source() string method structurally, without sandbox importing isa —
// the caller that loads the ISA model wraps Compile to match isa.Compiler.
type Program struct {
	source string
	body   []stmt
}

// Source returns the original body text the program was compiled from.
func (p *Program) Source() string {
	return p.source
}

// Compile parses source into a bounded statement list. Parsing itself is
// unbounded only in the trivial sense that it is linear in len(source); no
// body executes until Run is called, and Run enforces the fuel, depth, and
// loop-iteration bounds.
func Compile(source string) (*Program, error) {
	body, err := parseProgram(source)
	if err != nil {
		return nil, err
	}
	return &Program{source: source, body: body}, nil
}

// Param is one named value bound into a program's environment before Run
// executes it (a directive's invocation arguments, or an instruction's
// operand values for semantic evaluation).
type Param struct {
	Str   string
	Int   int64
	IsStr bool
}

// IntParam wraps an integer argument.
func IntParam(v int64) Param { return Param{Int: v} }

// StrParam wraps a string argument (e.g. a `.ascii` directive's quoted
// operand).
func StrParam(v string) Param { return Param{Str: v, IsStr: true} }

// Run executes the compiled body against host, with params bound as the
// program's initial variables, under DefaultLimits. It is deterministic:
// the same program, the same params, and a host returning the same
// observations always produce the same host-call sequence and the same
// final variable state.
func (p *Program) Run(host Host, params map[string]Param) error {
	return p.RunWithLimits(host, params, DefaultLimits())
}

// RunWithLimits is Run with caller-supplied fuel/depth/loop-iteration
// bounds, letting an engine configuration tighten or loosen the sandbox's
// defaults per ISA.
func (p *Program) RunWithLimits(host Host, params map[string]Param, limits Limits) error {
	ip := &interp{
		host:   host,
		vars:   make(map[string]value, len(params)),
		fuel:   limits.MaxFuel,
		limits: limits,
	}
	for name, v := range params {
		if v.IsStr {
			ip.vars[name] = strVal([]byte(v.Str))
		} else {
			ip.vars[name] = intVal(v.Int)
		}
	}
	return ip.execBlock(p.body)
}
