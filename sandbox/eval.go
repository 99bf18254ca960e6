package sandbox

import (
	"fmt"
	"strconv"

	"isaforge/errs"
)

// Limits bounds one Run: how much evaluation fuel it gets, how deep
// nested blocks (if/for bodies) may recurse, and how many iterations a
// single for-loop may take. DefaultLimits holds the bounds a body runs
// under when the caller doesn't configure its own.
type Limits struct {
	MaxFuel           int
	MaxDepth          int
	MaxLoopIterations int
}

// DefaultLimits returns the bounds a Program runs under unless overridden.
func DefaultLimits() Limits {
	return Limits{
		MaxFuel:           1_000_000,
		MaxDepth:          32,
		MaxLoopIterations: 65536,
	}
}

// value is a sandboxed-program runtime value: either an integer or a byte
// string (strings carry .ascii/.string directive arguments through to
// append_bytes and len, and name registers and flags in host calls).
type value struct {
	isStr bool
	i     int64
	s     []byte
}

func intVal(i int64) value  { return value{i: i} }
func strVal(s []byte) value { return value{isStr: true, s: s} }

func (v value) asInt() (int64, error) {
	if v.isStr {
		return 0, fmt.Errorf("expected an integer, got a string")
	}
	return v.i, nil
}

// interp holds the bounded evaluation state for one Run: the current
// variable bindings, the host callback surface, and the fuel/depth/loop
// counters spec §4.7 requires.
type interp struct {
	host   Host
	vars   map[string]value
	fuel   int
	depth  int
	limits Limits
}

func (ip *interp) spendFuel() error {
	ip.fuel--
	if ip.fuel < 0 {
		return fmt.Errorf("fuel exhausted (bound: %d evaluation steps)", ip.limits.MaxFuel)
	}
	return nil
}

func (ip *interp) execBlock(body []stmt) error {
	ip.depth++
	defer func() { ip.depth-- }()
	if ip.depth > ip.limits.MaxDepth {
		return fmt.Errorf("nesting depth exceeded (bound: %d)", ip.limits.MaxDepth)
	}
	for _, s := range body {
		if err := ip.execStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (ip *interp) execStmt(s stmt) error {
	if err := ip.spendFuel(); err != nil {
		return err
	}
	switch n := s.(type) {
	case exprStmt:
		_, err := ip.eval(n.x)
		return err
	case assignStmt:
		v, err := ip.eval(n.x)
		if err != nil {
			return err
		}
		ip.vars[n.name] = v
		return nil
	case ifStmt:
		v, err := ip.eval(n.cond)
		if err != nil {
			return err
		}
		truth, err := v.asInt()
		if err != nil {
			return err
		}
		if truth != 0 {
			return ip.execBlock(n.then)
		}
		return ip.execBlock(n.els)
	case forStmt:
		if err := ip.execStmt(n.init); err != nil {
			return err
		}
		for iter := 0; ; iter++ {
			if iter >= ip.limits.MaxLoopIterations {
				return fmt.Errorf("loop iteration bound exceeded (bound: %d)", ip.limits.MaxLoopIterations)
			}
			v, err := ip.eval(n.cond)
			if err != nil {
				return err
			}
			truth, err := v.asInt()
			if err != nil {
				return err
			}
			if truth == 0 {
				return nil
			}
			if err := ip.execBlock(n.body); err != nil {
				return err
			}
			if err := ip.execStmt(n.post); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unhandled statement type %T", s)
	}
}

func (ip *interp) eval(e expr) (value, error) {
	if err := ip.spendFuel(); err != nil {
		return value{}, err
	}
	switch n := e.(type) {
	case numberLit:
		return intVal(n.val), nil
	case stringLit:
		return strVal([]byte(n.val)), nil
	case identExpr:
		if v, ok := ip.vars[n.name]; ok {
			return v, nil
		}
		return value{}, fmt.Errorf("undefined variable %q", n.name)
	case unaryExpr:
		return ip.evalUnary(n)
	case binaryExpr:
		return ip.evalBinary(n)
	case callExpr:
		return ip.evalCall(n)
	default:
		return value{}, fmt.Errorf("unhandled expression type %T", e)
	}
}

func (ip *interp) evalUnary(n unaryExpr) (value, error) {
	v, err := ip.eval(n.x)
	if err != nil {
		return value{}, err
	}
	x, err := v.asInt()
	if err != nil {
		return value{}, err
	}
	switch n.op {
	case "-":
		return intVal(-x), nil
	case "~":
		return intVal(^x), nil
	case "!":
		if x == 0 {
			return intVal(1), nil
		}
		return intVal(0), nil
	default:
		return value{}, fmt.Errorf("unknown unary operator %q", n.op)
	}
}

func (ip *interp) evalBinary(n binaryExpr) (value, error) {
	lv, err := ip.eval(n.l)
	if err != nil {
		return value{}, err
	}
	rv, err := ip.eval(n.r)
	if err != nil {
		return value{}, err
	}
	l, err := lv.asInt()
	if err != nil {
		return value{}, err
	}
	r, err := rv.asInt()
	if err != nil {
		return value{}, err
	}
	b := func(cond bool) value {
		if cond {
			return intVal(1)
		}
		return intVal(0)
	}
	switch n.op {
	case "+":
		return intVal(l + r), nil
	case "-":
		return intVal(l - r), nil
	case "*":
		return intVal(l * r), nil
	case "/":
		if r == 0 {
			return value{}, fmt.Errorf("division by zero")
		}
		return intVal(l / r), nil
	case "%":
		if r == 0 {
			return value{}, fmt.Errorf("modulo by zero")
		}
		return intVal(l % r), nil
	case "&":
		return intVal(l & r), nil
	case "|":
		return intVal(l | r), nil
	case "^":
		return intVal(l ^ r), nil
	case "<<":
		return intVal(l << uint(r)), nil
	case ">>":
		return intVal(l >> uint(r)), nil
	case "&&":
		return b(l != 0 && r != 0), nil
	case "||":
		return b(l != 0 || r != 0), nil
	case "==":
		return b(l == r), nil
	case "!=":
		return b(l != r), nil
	case "<":
		return b(l < r), nil
	case "<=":
		return b(l <= r), nil
	case ">":
		return b(l > r), nil
	case ">=":
		return b(l >= r), nil
	default:
		return value{}, fmt.Errorf("unknown binary operator %q", n.op)
	}
}

// evalCall dispatches either a language builtin (len, int) or a host call
// from the §4.7 allow-list. Anything else is rejected: the sandbox
// exposes no identifier resolution beyond variables, builtins, and this
// fixed call set.
func (ip *interp) evalCall(n callExpr) (value, error) {
	args := make([]value, len(n.args))
	for i, a := range n.args {
		v, err := ip.eval(a)
		if err != nil {
			return value{}, err
		}
		args[i] = v
	}

	switch n.name {
	case "len":
		if len(args) != 1 {
			return value{}, fmt.Errorf("len takes 1 argument, got %d", len(args))
		}
		if !args[0].isStr {
			return value{}, fmt.Errorf("len expects a string argument")
		}
		return intVal(int64(len(args[0].s))), nil
	case "int":
		if len(args) != 1 {
			return value{}, fmt.Errorf("int takes 1 argument, got %d", len(args))
		}
		if !args[0].isStr {
			return args[0], nil
		}
		parsed, err := strconv.ParseInt(string(args[0].s), 0, 64)
		if err != nil {
			return value{}, fmt.Errorf("int: %w", err)
		}
		return intVal(parsed), nil

	case "read_register":
		name, err := requireStringArg(args, 0, "read_register")
		if err != nil {
			return value{}, err
		}
		v, err := ip.host.ReadRegister(name)
		return intVal(v), err
	case "write_register":
		name, err := requireStringArg(args, 0, "write_register")
		if err != nil {
			return value{}, err
		}
		if len(args) != 2 {
			return value{}, fmt.Errorf("write_register takes 2 arguments, got %d", len(args))
		}
		val, err := args[1].asInt()
		if err != nil {
			return value{}, err
		}
		return value{}, ip.host.WriteRegister(name, val)
	case "read_memory":
		if len(args) != 2 {
			return value{}, fmt.Errorf("read_memory takes 2 arguments, got %d", len(args))
		}
		addr, err := args[0].asInt()
		if err != nil {
			return value{}, err
		}
		size, err := args[1].asInt()
		if err != nil {
			return value{}, err
		}
		v, err := ip.host.ReadMemory(uint64(addr), int(size))
		return intVal(v), err
	case "write_memory":
		if len(args) != 3 {
			return value{}, fmt.Errorf("write_memory takes 3 arguments, got %d", len(args))
		}
		addr, err := args[0].asInt()
		if err != nil {
			return value{}, err
		}
		size, err := args[1].asInt()
		if err != nil {
			return value{}, err
		}
		val, err := args[2].asInt()
		if err != nil {
			return value{}, err
		}
		return value{}, ip.host.WriteMemory(uint64(addr), int(size), val)
	case "set_flag":
		name, err := requireStringArg(args, 0, "set_flag")
		if err != nil {
			return value{}, err
		}
		if len(args) != 2 {
			return value{}, fmt.Errorf("set_flag takes 2 arguments, got %d", len(args))
		}
		val, err := args[1].asInt()
		if err != nil {
			return value{}, err
		}
		return value{}, ip.host.SetFlag(name, val != 0)
	case "get_flag":
		name, err := requireStringArg(args, 0, "get_flag")
		if err != nil {
			return value{}, err
		}
		v, err := ip.host.GetFlag(name)
		if err != nil {
			return value{}, err
		}
		return intVal(boolToInt(v)), nil
	case "append_bytes":
		if len(args) != 1 {
			return value{}, fmt.Errorf("append_bytes takes 1 argument, got %d", len(args))
		}
		data, err := bytesOf(args[0])
		if err != nil {
			return value{}, err
		}
		return value{}, ip.host.AppendBytes(data)
	case "advance_address":
		if len(args) != 1 {
			return value{}, fmt.Errorf("advance_address takes 1 argument, got %d", len(args))
		}
		n, err := args[0].asInt()
		if err != nil {
			return value{}, err
		}
		return value{}, ip.host.AdvanceAddress(n)

	default:
		return value{}, fmt.Errorf("call to %q is not permitted in a sandboxed body", n.name)
	}
}

func requireStringArg(args []value, idx int, fn string) (string, error) {
	if idx >= len(args) {
		return "", fmt.Errorf("%s requires an argument at position %d", fn, idx)
	}
	if !args[idx].isStr {
		return "", fmt.Errorf("%s expects a string name argument", fn)
	}
	return string(args[idx].s), nil
}

// bytesOf turns an append_bytes argument into raw bytes: a string argument
// contributes its bytes as-is, an integer argument contributes its single
// low byte (so callers can write append_bytes(0xAB) for one literal byte).
func bytesOf(v value) ([]byte, error) {
	if v.isStr {
		return v.s, nil
	}
	return []byte{byte(v.i)}, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// runtimeError wraps an evaluation failure into the shared sandbox error
// kind, with the body's source text retained as context.
func runtimeError(pos errs.Position, source string, err error) *errs.Error {
	return errs.Newf(pos, errs.KindSandbox, "%v", err).WithContext(source)
}
