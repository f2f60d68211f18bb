package runtime

import (
	"crypto/sha256"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/kontor-chain/kontor/internal/runtime/numerics"
)

// decodeEventData parses a contract's JSON-encoded event payload — the
// textual encoding convention spec.md §4.B uses elsewhere for
// structured host-call data, applied here since Event.Data is a
// string-keyed map of heterogeneous topic values (spec.md §4.G).
func decodeEventData(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(ErrSyntaxError, err.Error())
	}
	return out, nil
}

// hostCtx is the per-call state closed over by every registered host
// function — the same shape as Synnergy's hostCtx in
// virtual_machine.go, generalized from a single key/value store to the
// full ProcContext/ViewContext surface.
type hostCtx struct {
	mem *wasmer.Memory
	cs  *callSite
}

func (h *hostCtx) read(ptr, ln int32) []byte {
	data := h.mem.Data()
	out := make([]byte, ln)
	copy(out, data[ptr:ptr+ln])
	return out
}

func (h *hostCtx) write(ptr int32, data []byte) {
	copy(h.mem.Data()[ptr:], data)
}

func i32(n int) wasmer.Value  { return wasmer.NewI32(int32(n)) }
func i32F(n int32) wasmer.Value { return wasmer.NewI32(n) }

// registerHost builds the "env" import namespace a component links
// against, one wasmer.NewFunction per host call, matching Synnergy's
// registerHost shape (hostConsumeGas/hostRead/hostWrite/hostLog)
// generalized to spec.md §4.B's storage, signer, hash, and numeric
// host-call families.
func registerHost(wasmerStore *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	i32Type := func(numArgs, numResults int) *wasmer.FunctionType {
		args := make([]wasmer.ValueKind, numArgs)
		results := make([]wasmer.ValueKind, numResults)
		for i := range args {
			args[i] = wasmer.I32
		}
		for i := range results {
			results[i] = wasmer.I32
		}
		return wasmer.NewFunctionType(wasmer.NewValueTypes(args...), wasmer.NewValueTypes(results...))
	}

	hostSigner := wasmer.NewFunction(wasmerStore, i32Type(1, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		dst := args[0].I32()
		signer, err := h.cs.signerString()
		if err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}
		h.write(dst, []byte(signer))
		return []wasmer.Value{i32(len(signer))}, nil
	})

	hostGet := wasmer.NewFunction(wasmerStore, i32Type(3, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		pathPtr, pathLen, dst := args[0].I32(), args[1].I32(), args[2].I32()
		path := string(h.read(pathPtr, pathLen))
		value, ok, err := h.cs.viewContext().Get(path)
		if err != nil || !ok {
			return []wasmer.Value{i32F(-1)}, nil
		}
		h.write(dst, value)
		return []wasmer.Value{i32(len(value))}, nil
	})

	hostSet := wasmer.NewFunction(wasmerStore, i32Type(4, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		pathPtr, pathLen, valPtr, valLen := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
		path := string(h.read(pathPtr, pathLen))
		value := h.read(valPtr, valLen)
		proc, ok := h.cs.procContext()
		if !ok {
			return []wasmer.Value{i32F(-1)}, nil
		}
		if err := proc.Set(path, value); err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}
		return []wasmer.Value{i32(0)}, nil
	})

	hostExists := wasmer.NewFunction(wasmerStore, i32Type(2, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		pathPtr, pathLen := args[0].I32(), args[1].I32()
		path := string(h.read(pathPtr, pathLen))
		ok, err := h.cs.viewContext().Exists(path)
		if err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}
		if ok {
			return []wasmer.Value{i32(1)}, nil
		}
		return []wasmer.Value{i32(0)}, nil
	})

	hostDelete := wasmer.NewFunction(wasmerStore, i32Type(2, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		pathPtr, pathLen := args[0].I32(), args[1].I32()
		path := string(h.read(pathPtr, pathLen))
		proc, ok := h.cs.procContext()
		if !ok {
			return []wasmer.Value{i32F(-1)}, nil
		}
		if err := proc.Delete(path); err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}
		return []wasmer.Value{i32(0)}, nil
	})

	hostDeleteMatching := wasmer.NewFunction(wasmerStore, i32Type(2, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		rePtr, reLen := args[0].I32(), args[1].I32()
		re := string(h.read(rePtr, reLen))
		proc, ok := h.cs.procContext()
		if !ok {
			return []wasmer.Value{i32F(-1)}, nil
		}
		n, err := proc.DeleteMatching(re)
		if err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}
		return []wasmer.Value{i32(n)}, nil
	})

	hostEmitEvent := wasmer.NewFunction(wasmerStore, i32Type(4, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		sigPtr, sigLen, dataPtr, dataLen := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
		sig := string(h.read(sigPtr, sigLen))
		proc, ok := h.cs.procContext()
		if !ok {
			return []wasmer.Value{i32F(-1)}, nil
		}
		data, err := decodeEventData(h.read(dataPtr, dataLen))
		if err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}
		if err := proc.Emit(sig, data); err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}
		return []wasmer.Value{i32(0)}, nil
	})

	hostHash := wasmer.NewFunction(wasmerStore, i32Type(3, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		ptr, ln, dst := args[0].I32(), args[1].I32(), args[2].I32()
		if err := h.cs.gauge.Consume(OpCryptoHash, uint64(ln)); err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}
		sum := sha256.Sum256(h.read(ptr, ln))
		h.write(dst, sum[:])
		return []wasmer.Value{i32(len(sum))}, nil
	})

	numericBinOp := func(op func(a, b numerics.Decimal) (numerics.Decimal, error), cost Operation) *wasmer.Function {
		return wasmer.NewFunction(wasmerStore, i32Type(4, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
			aPtr, aLen, bPtr, bLen := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			if err := h.cs.gauge.Consume(cost, 0); err != nil {
				return []wasmer.Value{i32F(-1)}, nil
			}
			a, err := numerics.DecimalFromString(string(h.read(aPtr, aLen)))
			if err != nil {
				return []wasmer.Value{i32F(-1)}, nil
			}
			b, err := numerics.DecimalFromString(string(h.read(bPtr, bLen)))
			if err != nil {
				return []wasmer.Value{i32F(-1)}, nil
			}
			res, err := op(a, b)
			if err != nil {
				return []wasmer.Value{i32F(-1)}, nil
			}
			out := []byte(res.String())
			h.write(aPtr, out) // results are written back over the first operand's buffer
			return []wasmer.Value{i32(len(out))}, nil
		})
	}

	hostAddDecimal := numericBinOp(func(a, b numerics.Decimal) (numerics.Decimal, error) { return a.Add(b) }, OpNumericAddSubMulDiv)
	hostSubDecimal := numericBinOp(func(a, b numerics.Decimal) (numerics.Decimal, error) { return a.Sub(b) }, OpNumericAddSubMulDiv)
	hostMulDecimal := numericBinOp(func(a, b numerics.Decimal) (numerics.Decimal, error) { return a.Mul(b) }, OpNumericAddSubMulDiv)
	hostDivDecimal := numericBinOp(func(a, b numerics.Decimal) (numerics.Decimal, error) { return a.Div(b) }, OpNumericAddSubMulDiv)

	hostLog10Decimal := wasmer.NewFunction(wasmerStore, i32Type(3, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		ptr, ln, dst := args[0].I32(), args[1].I32(), args[2].I32()
		if err := h.cs.gauge.Consume(OpNumericLog10, 0); err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}
		a, err := numerics.DecimalFromString(string(h.read(ptr, ln)))
		if err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}
		res, err := a.Log10()
		if err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}
		out := []byte(res.String())
		h.write(dst, out)
		return []wasmer.Value{i32(len(out))}, nil
	})

	hostCallContract := wasmer.NewFunction(wasmerStore, i32Type(4, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		addrPtr, addrLen, exprPtr, exprLen := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
		addr := string(h.read(addrPtr, addrLen))
		expr := string(h.read(exprPtr, exprLen))

		calleeID, err := h.cs.rt.resolveAddress(h.cs.ctx, addr)
		if err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}

		var result string
		if h.cs.mutating {
			result, _, err = h.cs.rt.CallProc(h.cs.ctx, calleeID, h.cs.height, h.cs.txIndex, h.cs.signer, expr, 0)
		} else {
			result, err = h.cs.rt.CallView(h.cs.ctx, calleeID, h.cs.signer, expr)
		}
		if err != nil {
			return []wasmer.Value{i32F(-1)}, nil
		}
		h.write(addrPtr, []byte(result)) // reuse the caller-owned address buffer for the return value
		return []wasmer.Value{i32(len(result))}, nil
	})

	imports.Register("env", map[string]wasmer.IntoExtern{
		"host_signer":          hostSigner,
		"host_get":             hostGet,
		"host_set":             hostSet,
		"host_exists":          hostExists,
		"host_delete":          hostDelete,
		"host_delete_matching": hostDeleteMatching,
		"host_hash":            hostHash,
		"host_emit_event":      hostEmitEvent,
		"host_call_contract":   hostCallContract,
		"host_add_decimal":     hostAddDecimal,
		"host_sub_decimal":     hostSubDecimal,
		"host_mul_decimal":     hostMulDecimal,
		"host_div_decimal":     hostDivDecimal,
		"host_log10_decimal":   hostLog10Decimal,
	})

	return imports
}

// signerString returns the call site's signer, metered the same way
// ViewContext.Signer is.
func (cs *callSite) signerString() (string, error) {
	return cs.viewContext().Signer()
}

func (cs *callSite) viewContext() *ViewContext {
	return &ViewContext{ctx: cs.ctx, store: cs.rt.store, contractID: cs.contractID, signer: cs.signer, gauge: cs.gauge}
}

// procContext returns a ProcContext if this call site was entered for
// a mutating dispatch (height/txIndex are set), or false for a pure
// CallView dispatch where writes must be rejected.
func (cs *callSite) procContext() (*ProcContext, bool) {
	if !cs.mutating {
		return nil, false
	}
	return &ProcContext{
		ViewContext:    *cs.viewContext(),
		height:         cs.height,
		txIndex:        cs.txIndex,
		contractSigner: cs.signer,
		emit:           cs.rt.eventSink,
	}, true
}

// dispatchArgs coerces an expr's textual arguments into the numeric
// wasm-level argument list a core-module entry point expects: integer
// literals pass through as i64, and quoted strings are written into
// the instance's own memory via its exported "alloc" function and
// passed as a (ptr, len) pair, matching the convention Synnergy's
// host_read/host_write functions use on the host side.
func dispatchArgs(instance *wasmer.Instance, cs *callSite, args []string) ([]interface{}, error) {
	var out []interface{}
	for _, a := range args {
		if strings.HasPrefix(a, `"`) && strings.HasSuffix(a, `"`) {
			literal := strings.Trim(a, `"`)
			ptr, err := allocAndWrite(instance, []byte(literal))
			if err != nil {
				return nil, err
			}
			out = append(out, ptr, int32(len(literal)))
			continue
		}
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrSyntaxError, "parsing argument %q", a)
		}
		out = append(out, n)
	}
	return out, nil
}

// allocAndWrite calls the component's exported "alloc" function (the
// standard convention for components that need the host to place
// string data in linear memory before a call) and writes data there.
func allocAndWrite(instance *wasmer.Instance, data []byte) (int32, error) {
	allocFn, err := instance.Exports.GetFunction("alloc")
	if err != nil {
		return 0, errors.Wrap(ErrValidation, "component accepts string arguments but exports no alloc function")
	}
	res, err := allocFn(int32(len(data)))
	if err != nil {
		return 0, errors.Wrap(err, "calling alloc")
	}
	ptr, ok := res.(int32)
	if !ok {
		return 0, errors.Wrap(ErrValidation, "alloc did not return an i32 pointer")
	}
	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return 0, errors.Wrap(err, "component has no memory export")
	}
	copy(mem.Data()[ptr:], data)
	return ptr, nil
}
